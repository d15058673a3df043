package pingsampler

import (
	"testing"
	"time"
)

func TestAverageEmpty(t *testing.T) {
	s := New(5)
	if _, ok := s.Average(); ok {
		t.Error("expected no average with zero samples")
	}
}

func TestAverage(t *testing.T) {
	s := New(5)
	s.Add(100 * time.Millisecond)
	s.Add(200 * time.Millisecond)

	avg, ok := s.Average()
	if !ok {
		t.Fatal("expected an average")
	}
	if avg != 150*time.Millisecond {
		t.Errorf("expected 150ms, got %v", avg)
	}
}

func TestBoundedRing(t *testing.T) {
	s := New(2)
	s.Add(10 * time.Millisecond)
	s.Add(20 * time.Millisecond)
	s.Add(30 * time.Millisecond)

	if s.Len() != 2 {
		t.Fatalf("expected 2 retained samples, got %d", s.Len())
	}
	avg, _ := s.Average()
	if avg != 25*time.Millisecond {
		t.Errorf("expected 25ms after eviction, got %v", avg)
	}
}
