package transport

import (
	"fmt"
	"sync"
)

// Registry is the bidirectional {wire ID <-> type name <-> descriptor}
// mapping every Endpoint uses to construct and recognize Message types. The
// control vocabulary (§6) is installed by NewRegistry; user types are added
// with Add.
type Registry struct {
	mu     sync.RWMutex
	byID   map[int32]*Descriptor
	byName map[string]*Descriptor
}

// NewRegistry constructs a Registry pre-populated with the control
// vocabulary (TConnect, TDisconnect, TConnectRequest, ...).
func NewRegistry() *Registry {
	r := &Registry{
		byID:   make(map[int32]*Descriptor),
		byName: make(map[string]*Descriptor),
	}
	if err := r.Add(controlDescriptors()...); err != nil {
		// The control vocabulary is fixed and internally consistent; a
		// collision here would be a bug in this package, not caller input.
		panic(fmt.Sprintf("transport: control vocabulary failed to register: %v", err))
	}
	return r
}

// Add registers one or more message descriptors. A descriptor whose ID or
// Name already exists is a hard error; an ID/Name pair that collides on
// only one axis (an "XOR collision") is a fatal configuration error, since
// it would leave the two lookup tables inconsistent.
func (r *Registry) Add(descs ...*Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range descs {
		if d.ID == 0 {
			return fmt.Errorf("%w: id 0 is reserved", ErrInvalidID)
		}
		_, idTaken := r.byID[d.ID]
		_, nameTaken := r.byName[d.Name]
		if idTaken != nameTaken {
			return fmt.Errorf("%w: id=%d name=%q", ErrPartialCollision, d.ID, d.Name)
		}
		if idTaken && nameTaken {
			return fmt.Errorf("%w: id=%d name=%q", ErrAlreadyRegistered, d.ID, d.Name)
		}
		r.byID[d.ID] = d
		r.byName[d.Name] = d
	}
	return nil
}

// GetByID resolves a descriptor by its wire ID.
func (r *Registry) GetByID(id int32) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	return d, nil
}

// GetByName resolves a descriptor by its registered type name.
func (r *Registry) GetByName(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: name=%q", ErrNotFound, name)
	}
	return d, nil
}

// New constructs a fresh Message of the named type with default field
// values.
func (r *Registry) New(name string) (*Message, error) {
	d, err := r.GetByName(name)
	if err != nil {
		return nil, err
	}
	return NewMessage(d), nil
}

// IsA reports whether msg's type name equals name.
func (r *Registry) IsA(msg *Message, name string) bool {
	return msg.TypeName() == name
}
