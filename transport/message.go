package transport

import (
	"fmt"
	"sort"

	"github.com/ventosilenzioso/go-transmitter/pkg/bytebuffer"
)

// Kind identifies the on-wire primitive type of a message field. Dynamic
// field dispatch in the original Python source (a name -> (type tag, value)
// mapping resolved by reflection) is modeled here as a static schema: an
// ordered array of (name, Kind, default) triples per message type.
type Kind int

const (
	KindInt Kind = iota
	KindFloat
	KindBool
	KindStr
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindStr:
		return "str"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// FieldSpec describes one field of a message type: its name, wire kind, and
// default value. Field order on the wire is always the lexicographic sort
// of field names, never declaration order.
type FieldSpec struct {
	Name    string
	Kind    Kind
	Default interface{}
}

// Descriptor is a message type: a wire ID, a type name, default reliability
// and ordering flags, and its field schema. Descriptors are values held in
// a Registry, not subclasses — user-defined message types are descriptors
// like any other.
type Descriptor struct {
	ID       int32
	Name     string
	Reliable bool
	Ordered  bool
	Fields   []FieldSpec

	sortedFields []FieldSpec
}

func (d *Descriptor) sorted() []FieldSpec {
	if d.sortedFields == nil {
		fields := make([]FieldSpec, len(d.Fields))
		copy(fields, d.Fields)
		sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
		d.sortedFields = fields
	}
	return d.sortedFields
}

// Message is an instance of a Descriptor: field values plus a lazily
// computed, mutation-invalidated wire encoding.
type Message struct {
	desc   *Descriptor
	values map[string]interface{}
	cache  []byte
}

// NewMessage constructs a Message of the given descriptor with every field
// set to its declared default.
func NewMessage(desc *Descriptor) *Message {
	values := make(map[string]interface{}, len(desc.Fields))
	for _, f := range desc.Fields {
		values[f.Name] = f.Default
	}
	return &Message{desc: desc, values: values}
}

// ID returns the message's wire ID.
func (m *Message) ID() int32 { return m.desc.ID }

// TypeName returns the message's registered type name.
func (m *Message) TypeName() string { return m.desc.Name }

// Descriptor returns the schema this message was built from.
func (m *Message) Descriptor() *Descriptor { return m.desc }

// DefaultReliable reports the type's default reliability flag.
func (m *Message) DefaultReliable() bool { return m.desc.Reliable }

// DefaultOrdered reports the type's default ordering flag.
func (m *Message) DefaultOrdered() bool { return m.desc.Ordered }

// Get returns a field's current value.
func (m *Message) Get(name string) (interface{}, bool) {
	v, ok := m.values[name]
	return v, ok
}

// Set assigns a field's value, invalidating the serialization cache. It is
// an error to set a field not present in the message's schema, or a value
// whose Go type doesn't match the field's Kind.
func (m *Message) Set(name string, value interface{}) error {
	spec, ok := m.fieldSpec(name)
	if !ok {
		return fmt.Errorf("transport: message %q has no field %q", m.desc.Name, name)
	}
	if err := checkKind(spec.Kind, value); err != nil {
		return fmt.Errorf("transport: field %q: %w", name, err)
	}
	m.values[name] = value
	m.cache = nil
	return nil
}

func (m *Message) fieldSpec(name string) (FieldSpec, bool) {
	for _, f := range m.desc.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

func checkKind(k Kind, v interface{}) error {
	switch k {
	case KindInt:
		if _, ok := v.(int64); !ok {
			return fmt.Errorf("expected int64, got %T", v)
		}
	case KindFloat:
		if _, ok := v.(float64); !ok {
			return fmt.Errorf("expected float64, got %T", v)
		}
	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
	case KindStr:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
	case KindBytes:
		if _, ok := v.([]byte); !ok {
			return fmt.Errorf("expected []byte, got %T", v)
		}
	default:
		return fmt.Errorf("unknown field kind %v", k)
	}
	return nil
}

// Bytes returns the wire encoding of the message: msgID followed by each
// field in sorted-name order. The result is cached until the next Set.
func (m *Message) Bytes() ([]byte, error) {
	if m.cache != nil {
		return m.cache, nil
	}
	b, err := encodeMessage(m)
	if err != nil {
		return nil, err
	}
	m.cache = b
	return b, nil
}

func (m *Message) String() string {
	fields := make([]string, 0, len(m.desc.Fields))
	for _, f := range m.desc.sorted() {
		fields = append(fields, fmt.Sprintf("%s=%v", f.Name, m.values[f.Name]))
	}
	return fmt.Sprintf("<Message %s id=%d %v>", m.desc.Name, m.desc.ID, fields)
}

func encodeMessage(m *Message) ([]byte, error) {
	buf := make([]byte, 0, 32)
	buf = appendInt32(buf, m.desc.ID)

	for _, f := range m.desc.sorted() {
		v := m.values[f.Name]
		var err error
		buf, err = appendField(buf, f.Kind, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendField(buf []byte, kind Kind, v interface{}) ([]byte, error) {
	switch kind {
	case KindInt:
		return appendInt64(buf, v.(int64)), nil
	case KindFloat:
		return appendFloat64(buf, v.(float64)), nil
	case KindBool:
		if v.(bool) {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case KindStr:
		return appendLengthPrefixed(buf, []byte(v.(string))), nil
	case KindBytes:
		return appendLengthPrefixed(buf, v.([]byte)), nil
	default:
		return nil, newCodecError("unknown field type %v", kind)
	}
}

// decodeMessageBody reads every field of desc, in sorted order, from buf
// into a fresh Message. msgID has already been consumed by the caller.
func decodeMessageBody(desc *Descriptor, buf *bytebuffer.ByteBuffer) (*Message, error) {
	m := NewMessage(desc)
	for _, f := range desc.sorted() {
		v, err := readField(f.Kind, buf)
		if err != nil {
			return nil, newCodecError("field %q: %w", f.Name, err)
		}
		m.values[f.Name] = v
	}
	return m, nil
}

func readField(kind Kind, buf *bytebuffer.ByteBuffer) (interface{}, error) {
	switch kind {
	case KindInt:
		return buf.ReadInt64()
	case KindFloat:
		return buf.ReadFloat64()
	case KindBool:
		b, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		return b != 0, nil
	case KindStr:
		n, err := buf.ReadInt64()
		if err != nil {
			return nil, err
		}
		p, err := buf.Read(int(n))
		if err != nil {
			return nil, err
		}
		return string(p), nil
	case KindBytes:
		n, err := buf.ReadInt64()
		if err != nil {
			return nil, err
		}
		p, err := buf.Read(int(n))
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(p))
		copy(out, p)
		return out, nil
	default:
		return nil, newCodecError("unknown field type %v", kind)
	}
}
