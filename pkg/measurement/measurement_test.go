package measurement

import (
	"testing"
	"time"
)

func TestTotalAccumulates(t *testing.T) {
	m := New(time.Second, 6)
	m.Add(10)
	m.Add(5)

	if got := m.Total(); got != 15 {
		t.Errorf("expected total 15, got %d", got)
	}
}

func TestNotRunningBeforeFirstSample(t *testing.T) {
	m := New(time.Second, 6)
	if m.Running() {
		t.Error("expected Measurement to be idle before any Add")
	}
	m.Add(1)
	if !m.Running() {
		t.Error("expected Measurement to be running after Add")
	}
}

func TestCurrentWindowsOverIntervals(t *testing.T) {
	fakeNow := time.Unix(0, 0)
	m := New(time.Second, 3)
	m.now = func() time.Time { return fakeNow }

	m.Add(100)
	fakeNow = fakeNow.Add(time.Second)
	m.Add(50)
	fakeNow = fakeNow.Add(time.Second)

	current := m.Current()
	if current <= 0 {
		t.Errorf("expected a positive current rate, got %v", current)
	}
}
