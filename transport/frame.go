package transport

import (
	"time"

	"github.com/ventosilenzioso/go-transmitter/pkg/bitfield"
	"github.com/ventosilenzioso/go-transmitter/pkg/bytebuffer"
)

const (
	flagReliable = 0
	flagOrdered  = 1
)

// TransportMessage wraps a Message with the sequence number and
// reliability/ordering flags it travels the wire with (§3, §4.3). Its wire
// form is:
//
//	sequenceNumber (uint64 BE) || flags (uint8) || encoded Message
//
// with no boundary markers: many frames pack back-to-back into one
// datagram, and a frame's length is implied entirely by its typed field
// layout.
type TransportMessage struct {
	Msg            *Message
	SequenceNumber uint64
	Flags          bitfield.BitField

	lastSendAttempt time.Time
	cache           []byte
}

// NewTransportMessage wraps msg for sending with the given sequence number
// and reliability/ordering flags.
func NewTransportMessage(msg *Message, seq uint64, reliable, ordered bool) *TransportMessage {
	t := &TransportMessage{Msg: msg, SequenceNumber: seq}
	t.Flags.Set(flagReliable, reliable)
	t.Flags.Set(flagOrdered, ordered)
	return t
}

// Reliable reports whether this frame requests ack-based retransmission.
func (t *TransportMessage) Reliable() bool { return t.Flags.Get(flagReliable) }

// Ordered reports whether this frame requests suppression of frames older
// than the highest sequence number seen by the receiver.
func (t *TransportMessage) Ordered() bool { return t.Flags.Get(flagOrdered) }

// Bytes returns the frame's wire encoding. It is computed on the first call
// and cached for the TransportMessage's lifetime; later changes to Msg,
// SequenceNumber or Flags are not reflected.
func (t *TransportMessage) Bytes() ([]byte, error) {
	if t.cache != nil {
		return t.cache, nil
	}
	msgBytes, err := t.Msg.Bytes()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 9+len(msgBytes))
	buf = appendUint64(buf, t.SequenceNumber)
	buf = append(buf, t.Flags.Byte())
	buf = append(buf, msgBytes...)
	t.cache = buf
	return buf, nil
}

// decodeFrame reads one TransportMessage from buf, resolving the carried
// Message's type through registry. A registry miss or unknown field type
// is a *CodecError: the caller must abandon the rest of the datagram, since
// frames have no boundary markers to skip past an unreadable one.
func decodeFrame(buf *bytebuffer.ByteBuffer, registry *Registry) (*TransportMessage, error) {
	seq, err := buf.ReadUint64()
	if err != nil {
		return nil, newCodecError("sequence number: %w", err)
	}
	flagsByte, err := buf.ReadByte()
	if err != nil {
		return nil, newCodecError("flags: %w", err)
	}
	msgID, err := buf.ReadInt32()
	if err != nil {
		return nil, newCodecError("message id: %w", err)
	}
	desc, err := registry.GetByID(msgID)
	if err != nil {
		return nil, newCodecError("%w", err)
	}
	msg, err := decodeMessageBody(desc, buf)
	if err != nil {
		return nil, err
	}
	return &TransportMessage{
		Msg:            msg,
		SequenceNumber: seq,
		Flags:          bitfield.New(flagsByte),
	}, nil
}
