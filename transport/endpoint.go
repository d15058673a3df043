package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/ventosilenzioso/go-transmitter/pkg/bytebuffer"
	"github.com/ventosilenzioso/go-transmitter/pkg/event"
	"github.com/ventosilenzioso/go-transmitter/pkg/logging"
	"github.com/ventosilenzioso/go-transmitter/pkg/measurement"
)

// State is the Endpoint's high-level connection state (§3).
type State int

const (
	StateDisconnected State = iota
	StateListening
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateListening:
		return "listening"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// MessagePeer pairs a delivered user message with the Peer it arrived from,
// the payload of Endpoint.OnMessage.
type MessagePeer struct {
	Msg  *Message
	Peer *Peer
}

type inboxEntry struct {
	msg  *Message
	peer *Peer
}

// inbox is the thread-safe FIFO described in spec §5. The reader pushes
// user messages and handshake synthetics, Peer.Tick pushes TTimeout and
// Disconnect pushes TDisconnect; Update is the only consumer.
type inbox struct {
	mu    sync.Mutex
	items []inboxEntry
}

func (b *inbox) push(e inboxEntry) {
	b.mu.Lock()
	b.items = append(b.items, e)
	b.mu.Unlock()
}

func (b *inbox) drain() []inboxEntry {
	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()
	return items
}

// Endpoint is one participant in the transport: a socket, a peer table, a
// registry, and the handshake/packing/liveness driver loop (§4.6).
type Endpoint struct {
	log      *logrus.Entry
	trace    xid.ID
	registry *Registry
	isServer bool

	mtu          int
	timeout      time.Duration
	pingInterval time.Duration
	dupWindow    int
	pingSamples  int

	seqCounter    atomic.Uint64
	peerIDCounter atomic.Uint64

	mu                sync.Mutex
	conn              net.PacketConn
	state             State
	peers             map[uint64]*Peer
	addrIndex         map[string]*Peer
	connectingPeer    *Peer
	clientPeer        *Peer
	pendingDisconnect bool
	bufferedReliable  []*TransportMessage

	inbox inbox

	OnMessage    event.Event[MessagePeer]
	OnConnect    event.Event[*Peer]
	OnDisconnect event.Event[*Peer]
	OnTimeout    event.Event[*Peer]

	bytesIn, bytesOut       *measurement.Measurement
	packetsIn, packetsOut   *measurement.Measurement
	messagesIn, messagesOut *measurement.Measurement
}

// Option configures an Endpoint at construction time.
type Option func(*Endpoint)

// WithMTU overrides the default 1400-byte datagram ceiling.
func WithMTU(n int) Option { return func(e *Endpoint) { e.mtu = n } }

// WithTimeout overrides the default 10s inbound-silence timeout.
func WithTimeout(d time.Duration) Option { return func(e *Endpoint) { e.timeout = d } }

// WithPingInterval overrides the default 2s heartbeat interval.
func WithPingInterval(d time.Duration) Option { return func(e *Endpoint) { e.pingInterval = d } }

// WithDupWindow overrides the default 1000-entry duplicate-suppression window.
func WithDupWindow(n int) Option { return func(e *Endpoint) { e.dupWindow = n } }

// WithPingSamples overrides the default 5-sample RTT average window.
func WithPingSamples(n int) Option { return func(e *Endpoint) { e.pingSamples = n } }

// WithRegistry supplies a pre-populated registry, e.g. one shared across
// endpoints in a test. The default is a fresh NewRegistry() per Endpoint.
func WithRegistry(r *Registry) Option { return func(e *Endpoint) { e.registry = r } }

func newEndpoint(isServer bool, opts ...Option) *Endpoint {
	component := "client"
	if isServer {
		component = "server"
	}
	trace := xid.New()
	e := &Endpoint{
		isServer:     isServer,
		trace:        trace,
		registry:     NewRegistry(),
		mtu:          1400,
		timeout:      10 * time.Second,
		pingInterval: 2 * time.Second,
		dupWindow:    1000,
		pingSamples:  5,
		peers:        make(map[uint64]*Peer),
		addrIndex:    make(map[string]*Peer),
		log:          logging.For(component).WithField("endpoint", trace.String()),
		bytesIn:      measurement.New(0, 0),
		bytesOut:     measurement.New(0, 0),
		packetsIn:    measurement.New(0, 0),
		packetsOut:   measurement.New(0, 0),
		messagesIn:   measurement.New(0, 0),
		messagesOut:  measurement.New(0, 0),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the message registry new user types must be Add'd to
// before Bind/Connect.
func (e *Endpoint) Registry() *Registry { return e.registry }

// Trace returns this endpoint's short sortable correlation ID, shared by
// every log line its reader goroutine and update loop emit.
func (e *Endpoint) Trace() string { return e.trace.String() }

// State returns the endpoint's current high-level connection state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Peers returns a snapshot of the currently tracked peers.
func (e *Endpoint) Peers() []*Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out
}

// LocalAddr returns the bound local address, or nil before Bind/Connect.
func (e *Endpoint) LocalAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr()
}

// Latency reports the client role's sole peer's RTT average. Servers, and
// clients with no established peer yet, report ok=false.
func (e *Endpoint) Latency() (time.Duration, bool) {
	e.mu.Lock()
	p := e.clientPeer
	e.mu.Unlock()
	if p == nil {
		return 0, false
	}
	return p.Latency()
}

func (e *Endpoint) nextSequenceNumber() uint64 { return e.seqCounter.Add(1) }
func (e *Endpoint) nextPeerID() uint64         { return e.peerIDCounter.Add(1) }

// Bind opens addr as a listening socket and enters the LISTENING state,
// ready to accept connect requests from any number of peers.
func (e *Endpoint) Bind(addr string) error {
	if !e.isServer {
		return fmt.Errorf("%w: Bind is a server operation", ErrWrongRole)
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: bind: %w", err)
	}
	e.mu.Lock()
	e.conn = conn
	e.state = StateListening
	e.mu.Unlock()
	e.startReader()
	return nil
}

// Connect binds an ephemeral local socket, installs a placeholder peer for
// addr, and sends a reliable TConnectRequest, entering CONNECTING (§4.6).
func (e *Endpoint) Connect(addr string) error {
	if e.isServer {
		return fmt.Errorf("%w: Connect is a client operation", ErrWrongRole)
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("transport: connect: %w", err)
	}

	peer := newPeer(e, e.nextPeerID(), raddr)
	req, err := e.registry.New(TypeConnectRequest)
	if err != nil {
		return err
	}
	_ = req.Set("protocol", ProtocolVersion)
	peer.enqueueControl(NewTransportMessage(req, e.nextSequenceNumber(), true, false))
	peer.markPendingDisconnect()

	e.mu.Lock()
	// A prior Connect (e.g. a rejected attempt retried by Client.ConnectAndWait)
	// may have left an earlier socket and reader goroutine behind; close it
	// before adopting the new one so neither leaks.
	prevConn := e.conn
	e.conn = conn
	e.state = StateConnecting
	e.connectingPeer = peer
	e.clientPeer = peer
	e.peers = map[uint64]*Peer{peer.id: peer}
	e.addrIndex = map[string]*Peer{raddr.String(): peer}
	// A prior rejected attempt may have left this set; a fresh Connect
	// starts a new socket lifetime, not the end of one.
	e.pendingDisconnect = false
	e.mu.Unlock()

	if prevConn != nil {
		prevConn.Close()
	}

	e.startReader()
	return nil
}

func (e *Endpoint) startReader() {
	go e.readLoop()
}

// readLoop is the reader context (§5): it blocks on socket receive, decodes
// every frame in a datagram, feeds each to its Peer's ProcessIncoming, and
// carries out whatever that returns — including handshake transitions,
// which therefore happen inline here rather than being deferred to Update.
// It is a daemon: never joined, exits silently once the socket closes.
func (e *Endpoint) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				e.log.WithError(err).Debug("reader exiting")
			}
			return
		}
		e.bytesIn.Add(int64(n))
		e.packetsIn.Add(1)
		e.handleDatagram(append([]byte(nil), buf[:n]...), addr)
	}
}

func (e *Endpoint) handleDatagram(data []byte, addr net.Addr) {
	peer, isNew := e.resolvePeer(addr)
	if peer == nil {
		e.log.WithField("addr", addr.String()).Debug("datagram from unrecognized peer, dropping")
		return
	}
	if isNew {
		e.log.WithField("addr", addr.String()).WithField("peer", peer.id).Debug("new peer")
	}

	bb := bytebuffer.New(data)
	now := time.Now()
	for bb.Len() > 0 {
		tmsg, err := decodeFrame(bb, e.registry)
		if err != nil {
			e.log.WithError(err).Warn("abandoning rest of datagram after codec error")
			return
		}
		e.messagesIn.Add(1)

		action, msg := peer.ProcessIncoming(tmsg, now)
		switch action {
		case actionPostUser:
			e.postUser(msg, peer)
		case actionConnectRequest:
			e.handleConnectRequest(peer, msg)
		case actionConnectAccepted:
			e.handleConnectAccepted(peer)
		case actionConnectRejected:
			e.handleConnectRejected(peer)
		}
	}
}

// resolvePeer maps a remote address to its tracked Peer, creating one only
// for a server that is LISTENING — a client never auto-accepts a second
// peer once it has its one.
func (e *Endpoint) resolvePeer(addr net.Addr) (*Peer, bool) {
	key := addr.String()
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.addrIndex[key]; ok {
		return p, false
	}
	if e.isServer && e.state == StateListening {
		p := newPeer(e, e.nextPeerID(), addr)
		e.peers[p.id] = p
		e.addrIndex[key] = p
		return p, true
	}
	return nil, false
}

func (e *Endpoint) postUser(msg *Message, peer *Peer) {
	e.inbox.push(inboxEntry{msg: msg, peer: peer})
}

// postSynthetic injects a control message (TConnect, TDisconnect, TTimeout)
// into the inbox for Update to dispatch as onConnect/onDisconnect/onTimeout.
func (e *Endpoint) postSynthetic(typeName string, peer *Peer) {
	m, err := e.registry.New(typeName)
	if err != nil {
		e.log.WithError(err).Error("synthetic control type missing from registry")
		return
	}
	e.inbox.push(inboxEntry{msg: m, peer: peer})
}

func (e *Endpoint) handleConnectRequest(peer *Peer, msg *Message) {
	e.mu.Lock()
	listening := e.isServer && e.state == StateListening
	e.mu.Unlock()
	if !listening {
		return
	}

	protocol, _ := msg.Get("protocol")
	if v, ok := protocol.(int64); ok && v == ProtocolVersion {
		accepted, err := e.registry.New(TypeConnectRequestAccepted)
		if err != nil {
			return
		}
		peer.enqueueControl(NewTransportMessage(accepted, e.nextSequenceNumber(), true, false))
		e.postSynthetic(TypeConnect, peer)
		return
	}

	rejected, err := e.registry.New(TypeConnectRequestRejected)
	if err != nil {
		return
	}
	peer.enqueueControl(NewTransportMessage(rejected, e.nextSequenceNumber(), true, false))
	peer.markPendingDisconnect()
}

func (e *Endpoint) handleConnectAccepted(peer *Peer) {
	e.mu.Lock()
	if e.state != StateConnecting || e.connectingPeer != peer {
		e.mu.Unlock()
		return
	}
	e.state = StateConnected
	buffered := e.bufferedReliable
	e.bufferedReliable = nil
	e.connectingPeer = nil
	e.mu.Unlock()

	// The design notes call out the handshake placeholder's "faint
	// resource residue": clear it explicitly rather than trust the ack
	// that already retired the TConnectRequest.
	peer.clearOutgoing()
	peer.clearPendingDisconnect()
	e.postSynthetic(TypeConnect, peer)

	for _, t := range buffered {
		peer.EnqueueUser(t)
	}
}

func (e *Endpoint) handleConnectRejected(peer *Peer) {
	e.mu.Lock()
	if e.state != StateConnecting || e.connectingPeer != peer {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected
	e.connectingPeer = nil
	e.pendingDisconnect = true
	conn := e.conn
	e.mu.Unlock()

	peer.markPendingDisconnect()
	// A rejected handshake never had a live peer from the user's point of
	// view, so the synthetic disconnect carries a null peer (§4.6).
	e.postSynthetic(TypeDisconnect, nil)

	// The handshake never reached CONNECTED, so Update's own
	// pendingDisconnect-drains-to-empty-peers close path may never see an
	// empty peer table cross that reader goroutine's blocking ReadFrom;
	// release the socket directly instead.
	if conn != nil {
		conn.Close()
	}
}

// Send options control per-call overrides of a message type's default
// reliability/ordering and which peers to exclude.
type SendOption func(*sendOptions)

type sendOptions struct {
	exclude  map[uint64]bool
	reliable *bool
	ordered  *bool
}

// Reliable overrides the message type's default reliability for this send.
func Reliable(v bool) SendOption { return func(o *sendOptions) { o.reliable = &v } }

// Ordered overrides the message type's default ordering for this send.
func Ordered(v bool) SendOption { return func(o *sendOptions) { o.ordered = &v } }

// Exclude omits the given peers from the broadcast.
func Exclude(peers ...*Peer) SendOption {
	return func(o *sendOptions) {
		for _, p := range peers {
			o.exclude[p.id] = true
		}
	}
}

// Send wraps msg in a fresh TransportMessage and enqueues it on every peer
// not excluded, per the CONNECTED/LISTENING vs CONNECTING/DISCONNECTED
// rules of §4.6.
func (e *Endpoint) Send(msg *Message, opts ...SendOption) {
	so := &sendOptions{exclude: make(map[uint64]bool)}
	for _, o := range opts {
		o(so)
	}
	reliable := msg.DefaultReliable()
	if so.reliable != nil {
		reliable = *so.reliable
	}
	ordered := msg.DefaultOrdered()
	if so.ordered != nil {
		ordered = *so.ordered
	}

	t := NewTransportMessage(msg, e.nextSequenceNumber(), reliable, ordered)
	e.messagesOut.Add(1)

	e.mu.Lock()
	state := e.state
	targets := make([]*Peer, 0, len(e.peers))
	for id, p := range e.peers {
		if !so.exclude[id] {
			targets = append(targets, p)
		}
	}
	e.mu.Unlock()

	switch state {
	case StateConnected, StateListening:
		for _, p := range targets {
			p.EnqueueUser(t)
		}
	default:
		if reliable {
			e.mu.Lock()
			e.bufferedReliable = append(e.bufferedReliable, t)
			e.mu.Unlock()
		}
	}
}

// Disconnect tells every peer to announce TDisconnect and marks the
// endpoint pendingDisconnect; the socket closes once peers drain on a
// subsequent Update (§4.6).
func (e *Endpoint) Disconnect() {
	e.mu.Lock()
	peers := make([]*Peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	e.pendingDisconnect = true
	e.mu.Unlock()

	for _, p := range peers {
		disc, err := e.registry.New(TypeDisconnect)
		if err != nil {
			continue
		}
		p.enqueueControl(NewTransportMessage(disc, e.nextSequenceNumber(), false, false))
		p.markPendingDisconnect()
		e.postSynthetic(TypeDisconnect, p)
	}
}

// Update drains the inbox into event dispatch, reaps peers that have
// finished disconnecting, ticks per-peer liveness, and flushes outbound
// packets. It never blocks on the network (§4.6, §5).
func (e *Endpoint) Update() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return
	}

	for _, ent := range e.inbox.drain() {
		switch ent.msg.TypeName() {
		case TypeConnect:
			e.OnConnect.Trigger(ent.peer)
		case TypeDisconnect:
			e.OnDisconnect.Trigger(ent.peer)
		case TypeTimeout:
			e.OnTimeout.Trigger(ent.peer)
		default:
			e.OnMessage.Trigger(MessagePeer{Msg: ent.msg, Peer: ent.peer})
		}
	}

	e.reapDeadPeers()

	now := time.Now()
	peers := e.Peers()
	for _, p := range peers {
		p.Tick(now, e.pingInterval, e.timeout)
	}
	for _, p := range peers {
		for _, datagram := range p.PackOutbound(now, e.mtu) {
			n, err := conn.WriteTo(datagram, p.Addr())
			if err != nil {
				e.log.WithError(err).WithField("peer", p.id).Warn("write failed")
				continue
			}
			e.bytesOut.Add(int64(n))
			e.packetsOut.Add(1)
		}
	}

	e.mu.Lock()
	done := e.pendingDisconnect && len(e.peers) == 0
	e.mu.Unlock()
	if done {
		conn.Close()
	}
}

func (e *Endpoint) reapDeadPeers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.peers {
		if p.pendingDisconnectFlag() && p.outgoingLen() == 0 {
			delete(e.peers, id)
			delete(e.addrIndex, p.Addr().String())
			if e.clientPeer == p {
				e.clientPeer = nil
			}
		}
	}
}
