package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/ventosilenzioso/go-transmitter/pkg/pingsampler"
)

// defaultRetransmitCooldown is used for a peer's first reliable sends,
// before its ping sampler has any RTT observations (§4.5).
const defaultRetransmitCooldown = 200 * time.Millisecond

type inboundAction int

const (
	actionNone inboundAction = iota
	actionPostUser
	actionConnectRequest
	actionConnectAccepted
	actionConnectRejected
)

// Peer is the local representation of one remote endpoint: its address,
// outgoing queue, duplicate-suppression window, ordering cursor, and ping
// state (§3, §4.5).
type Peer struct {
	endpoint *Endpoint
	id       uint64
	trace    xid.ID
	addr     net.Addr

	dupWindow int

	mu                     sync.Mutex
	outgoing               []*TransportMessage
	recentSeen             map[uint64]struct{}
	recentSeenOrder        []uint64
	lastIncomingOrderedSeq uint64
	pingSampler            *pingsampler.Sampler
	lastPingSendTime       time.Time
	lastPingNumber         int64
	lastInboundTime        time.Time
	pendingDisconnect      bool
}

func newPeer(ep *Endpoint, id uint64, addr net.Addr) *Peer {
	return &Peer{
		endpoint:    ep,
		id:          id,
		trace:       xid.New(),
		addr:        addr,
		dupWindow:   ep.dupWindow,
		recentSeen:  make(map[uint64]struct{}),
		pingSampler: pingsampler.New(ep.pingSamples),
	}
}

// ID returns the peer's local 64-bit identity.
func (p *Peer) ID() uint64 { return p.id }

// Addr returns the peer's remote datagram address.
func (p *Peer) Addr() net.Addr { return p.addr }

// Latency returns the ping sampler's current RTT average, or ok=false if
// no TPong has been observed yet.
func (p *Peer) Latency() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pingSampler.Average()
}

func (p *Peer) String() string {
	return fmt.Sprintf("<Peer id=%d trace=%s addr=%s>", p.id, p.trace, p.addr)
}

// Trace returns the peer's short sortable correlation ID, useful for
// grepping a single peer's lifetime out of interleaved reader/update logs.
func (p *Peer) Trace() string {
	return p.trace.String()
}

func (p *Peer) pendingDisconnectFlag() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingDisconnect
}

func (p *Peer) outgoingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outgoing)
}

// EnqueueUser appends a user-initiated send to the outgoing queue. It
// refuses once the peer is pendingDisconnect (§3 invariant): the peer
// survives only long enough to flush what was already queued.
func (p *Peer) EnqueueUser(t *TransportMessage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingDisconnect {
		return false
	}
	p.outgoing = append(p.outgoing, t)
	return true
}

// enqueueControl appends a protocol-internal send (ack, ping, pong,
// handshake reply, disconnect notice) regardless of pendingDisconnect —
// that invariant only gates user messages.
func (p *Peer) enqueueControl(t *TransportMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outgoing = append(p.outgoing, t)
}

func (p *Peer) clearOutgoing() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outgoing = nil
}

func (p *Peer) markPendingDisconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingDisconnect = true
}

func (p *Peer) clearPendingDisconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingDisconnect = false
}

// ProcessIncoming implements the per-frame inbound processing order from
// spec.md §4.5. It returns an action for the Endpoint to carry out —
// handshake transitions and user-message delivery require endpoint-level
// state the Peer doesn't own — while acks, duplicate suppression, ordering,
// pings/pongs, and peer-initiated disconnect are handled entirely here.
func (p *Peer) ProcessIncoming(tmsg *TransportMessage, now time.Time) (inboundAction, *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastInboundTime = now

	if tmsg.Reliable() {
		ack, err := p.endpoint.registry.New(TypeAcknowledgement)
		if err == nil {
			_ = ack.Set("sequenceNumber", int64(tmsg.SequenceNumber))
			p.outgoing = append(p.outgoing, NewTransportMessage(ack, p.endpoint.nextSequenceNumber(), false, false))
		}
	}

	if _, seen := p.recentSeen[tmsg.SequenceNumber]; seen {
		// Already delivered; the ack above still had to go out so the
		// sender retires its retransmission.
		return actionNone, nil
	}
	p.recordSeenLocked(tmsg.SequenceNumber)

	if tmsg.Ordered() && tmsg.SequenceNumber < p.lastIncomingOrderedSeq {
		return actionNone, nil
	}
	if tmsg.Ordered() && tmsg.SequenceNumber > p.lastIncomingOrderedSeq {
		p.lastIncomingOrderedSeq = tmsg.SequenceNumber
	}

	switch tmsg.Msg.TypeName() {
	case TypeAcknowledgement:
		if v, ok := tmsg.Msg.Get("sequenceNumber"); ok {
			p.retireAckedLocked(uint64(v.(int64)))
		}
		return actionNone, nil

	case TypeConnectRequest:
		return actionConnectRequest, tmsg.Msg

	case TypeConnectRequestAccepted:
		return actionConnectAccepted, nil

	case TypeConnectRequestRejected:
		return actionConnectRejected, nil

	case TypePing:
		if n, ok := tmsg.Msg.Get("pingNumber"); ok {
			pong, err := p.endpoint.registry.New(TypePong)
			if err == nil {
				_ = pong.Set("pingNumber", n)
				p.outgoing = append(p.outgoing, NewTransportMessage(pong, p.endpoint.nextSequenceNumber(), false, false))
			}
		}
		return actionNone, nil

	case TypePong:
		if n, ok := tmsg.Msg.Get("pingNumber"); ok && n.(int64) == p.lastPingNumber && !p.lastPingSendTime.IsZero() {
			p.pingSampler.Add(now.Sub(p.lastPingSendTime))
		}
		return actionNone, nil

	case TypeDisconnect:
		p.pendingDisconnect = true
		p.outgoing = nil
		p.endpoint.postSynthetic(TypeDisconnect, p)
		return actionNone, nil

	default:
		if tmsg.Msg.ID() >= 0 {
			return actionPostUser, tmsg.Msg
		}
		// Unknown negative-ID control message: ignored silently.
		return actionNone, nil
	}
}

func (p *Peer) recordSeenLocked(seq uint64) {
	p.recentSeen[seq] = struct{}{}
	p.recentSeenOrder = append(p.recentSeenOrder, seq)
	if len(p.recentSeenOrder) > p.dupWindow {
		oldest := p.recentSeenOrder[0]
		p.recentSeenOrder = p.recentSeenOrder[1:]
		delete(p.recentSeen, oldest)
	}
}

func (p *Peer) retireAckedLocked(seq uint64) bool {
	for i, t := range p.outgoing {
		if t.SequenceNumber == seq {
			p.outgoing = append(p.outgoing[:i], p.outgoing[i+1:]...)
			return true
		}
	}
	p.endpoint.log.WithField("peer", p.id).WithField("seq", seq).Debug("ack for unknown outgoing sequence number")
	return false
}

func (p *Peer) retransmitCooldownLocked() time.Duration {
	if avg, ok := p.pingSampler.Average(); ok {
		return avg
	}
	return defaultRetransmitCooldown
}

// PackOutbound implements the per-update outbound packing scheduler from
// spec.md §4.5: it packs the maximal MTU-fitting prefix of the outgoing
// queue into each datagram, applies the retransmit cooldown to reliable
// messages, and drops unreliable messages (and any that never fit) after
// they are flushed once.
func (p *Peer) PackOutbound(now time.Time, mtu int) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	cooldown := p.retransmitCooldownLocked()
	kept := p.outgoing[:0:0]
	var datagrams [][]byte
	var cur []byte

	for _, t := range p.outgoing {
		if !t.lastSendAttempt.IsZero() && now.Before(t.lastSendAttempt.Add(cooldown)) {
			kept = append(kept, t)
			continue
		}
		t.lastSendAttempt = now

		b, err := t.Bytes()
		if err != nil {
			p.endpoint.log.WithError(err).Warn("dropping message that failed to encode")
			continue
		}
		if len(b) > mtu {
			p.endpoint.log.WithField("size", len(b)).WithField("mtu", mtu).Warn("message bigger than MTU, discarding")
			continue
		}
		if len(cur) > 0 && len(cur)+len(b) > mtu {
			datagrams = append(datagrams, cur)
			cur = nil
		}
		cur = append(cur, b...)

		if t.Reliable() {
			kept = append(kept, t)
		}
	}
	if len(cur) > 0 {
		datagrams = append(datagrams, cur)
	}
	p.outgoing = kept
	return datagrams
}

// Tick implements the per-peer liveness logic from spec.md §4.5: periodic
// ping emission and inbound-silence timeout detection.
func (p *Peer) Tick(now time.Time, pingInterval, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.pendingDisconnect && now.Sub(p.lastPingSendTime) >= pingInterval {
		p.lastPingNumber++
		p.lastPingSendTime = now
		ping, err := p.endpoint.registry.New(TypePing)
		if err == nil {
			_ = ping.Set("pingNumber", p.lastPingNumber)
			p.outgoing = append(p.outgoing, NewTransportMessage(ping, p.endpoint.nextSequenceNumber(), false, false))
		}
	}

	if p.lastInboundTime.IsZero() {
		p.lastInboundTime = now
		return
	}
	if p.pendingDisconnect {
		return
	}
	if now.Sub(p.lastInboundTime) > timeout {
		p.pendingDisconnect = true
		p.outgoing = nil
		p.endpoint.postSynthetic(TypeTimeout, p)
	}
}
