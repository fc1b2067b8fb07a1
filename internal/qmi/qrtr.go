package qmi

import (
	"errors"
	"os"
	"time"

	"github.com/danmuck/modemctl/internal/ipcrouter"
	"github.com/danmuck/modemctl/internal/loop"
	"github.com/danmuck/modemctl/internal/observability"
	"github.com/danmuck/modemctl/internal/protocol/frame"
	"github.com/danmuck/modemctl/internal/protocol/qrtr"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

const qrtrKind = "qrtr"

// AnyNode disables the node filter applied to lookup announcements.
const AnyNode uint32 = 0xffffffff

// PacketEndpoint is an addressed datagram socket.
type PacketEndpoint interface {
	ReadFrom(p []byte) (int, qrtr.Addr, error)
	WriteTo(p []byte, addr qrtr.Addr) (int, error)
	LocalAddr() (qrtr.Addr, error)
	Close() error
}

// DialFunc opens a fresh endpoint for a dedicated service socket.
type DialFunc func() (PacketEndpoint, error)

var _ PacketEndpoint = (*ipcrouter.Conn)(nil)

// Node drives one IPC-router socket: name-service lookup plus a shared
// transport demultiplexed by sender address.
type Node struct {
	l    *loop.Loop
	cfg  Config
	ep   PacketEndpoint
	dial DialFunc
	tr   *transport
	node uint32

	services  []ServiceInfo
	lookup    *lookupOp
	looked    bool
	dedicated map[*dedicatedSocket]struct{}
	closed    bool
}

// OpenQRTR opens an IPC-router socket. Only services announced by node are
// recorded; pass AnyNode to keep all of them.
func OpenQRTR(l *loop.Loop, node uint32, cfg Config) (*Node, error) {
	conn, err := ipcrouter.Open()
	if err != nil {
		return nil, err
	}
	return newNode(l, conn, func() (PacketEndpoint, error) { return ipcrouter.Open() }, cfg, node), nil
}

// NewNode wraps an open endpoint. dial opens the sockets used by
// DedicatedService; it may be nil when dedicated sockets are not needed.
func NewNode(l *loop.Loop, ep PacketEndpoint, dial DialFunc, cfg Config) *Node {
	return newNode(l, ep, dial, cfg, AnyNode)
}

func newNode(l *loop.Loop, ep PacketEndpoint, dial DialFunc, cfg Config, node uint32) *Node {
	n := &Node{
		l:         l,
		cfg:       cfg.withDefaults(),
		ep:        ep,
		dial:      dial,
		node:      node,
		dedicated: make(map[*dedicatedSocket]struct{}),
	}
	n.tr = newTransport(l, qrtrKind, qrtrTxnBase,
		func(r *request) error {
			_, err := ep.WriteTo(r.buf, r.addr)
			return err
		},
		frame.EncodeService,
	)
	go packetReadLoop(l, ep, n.cfg.ReadBufferSize, n.handlePacket, n.handleReadError)
	return n
}

func (n *Node) SetDebug(fn func(string)) {
	n.tr.debug = fn
}

// packetReadLoop posts every datagram received on ep to the loop.
func packetReadLoop(l *loop.Loop, ep PacketEndpoint, size int, onPacket func([]byte, qrtr.Addr), onErr func(error)) {
	buf := make([]byte, size)
	for {
		sz, from, err := ep.ReadFrom(buf)
		if err != nil {
			l.Post(func() { onErr(err) })
			return
		}
		pkt := append([]byte(nil), buf[:sz]...)
		if !l.Post(func() { onPacket(pkt, from) }) {
			return
		}
	}
}

func (n *Node) handleReadError(err error) {
	if n.closed {
		return
	}
	if !errors.Is(err, os.ErrClosed) {
		log.Error().Err(err).Msg("qrtr read failed")
	}
	n.Close()
}

func (n *Node) handlePacket(pkt []byte, from qrtr.Addr) {
	if n.closed {
		return
	}
	n.tr.hexdump('<', pkt)
	if from.Port == qrtr.PortControl {
		p, err := qrtr.DecodeControl(pkt)
		if err != nil {
			log.Warn().Err(err).Str("from", from.String()).Msg("dropping malformed qrtr control packet")
			observability.RecordFrameDropped(qrtrKind, "malformed")
			return
		}
		n.handleControl(p)
		return
	}

	info, ok := n.serviceAt(from)
	if !ok {
		log.Debug().Str("from", from.String()).Msg("dropping packet from unknown sender")
		observability.RecordFrameDropped(qrtrKind, "unknown_sender")
		return
	}
	m, err := frame.DecodeService(pkt)
	if err != nil {
		log.Warn().Err(err).Str("from", from.String()).Msg("dropping malformed qrtr packet")
		observability.RecordFrameDropped(qrtrKind, "malformed")
		return
	}
	m.Service = info.Type
	n.tr.handleMessage(m)
}

func (n *Node) handleControl(p qrtr.ControlPacket) {
	switch p.Cmd {
	case qrtr.CmdNewServer:
		if n.lookup == nil {
			log.Debug().Uint32("service", p.Server.Service).Msg("ignoring announcement outside lookup")
			return
		}
		n.lookup.handleServer(p.Server)
	case qrtr.CmdDelServer:
		n.removeServices(func(s ServiceInfo) bool {
			return uint32(s.Type) == p.Server.Service && *s.Addr == p.Server.Addr()
		})
	case qrtr.CmdBye:
		node := p.Client().Node
		n.removeServices(func(s ServiceInfo) bool { return s.Addr.Node == node })
	default:
		log.Debug().Str("cmd", qrtr.CommandName(p.Cmd)).Msg("ignoring qrtr control packet")
	}
}

func (n *Node) removeServices(match func(ServiceInfo) bool) {
	kept := n.services[:0]
	for _, s := range n.services {
		if match(s) {
			log.Info().Str("service", s.Type.String()).Str("addr", s.Addr.String()).Msg("qrtr service removed")
			continue
		}
		kept = append(kept, s)
	}
	n.services = kept
}

// addService records an announcement unless its (service, node, port) is
// already known.
func (n *Node) addService(s qrtr.Server) bool {
	for _, have := range n.services {
		if uint32(have.Type) == s.Service && *have.Addr == s.Addr() {
			return false
		}
	}
	n.services = append(n.services, serviceInfoFromServer(s))
	return true
}

func (n *Node) serviceAt(addr qrtr.Addr) (ServiceInfo, bool) {
	for _, s := range n.services {
		if *s.Addr == addr {
			return s, true
		}
	}
	return ServiceInfo{}, false
}

// Services returns the services recorded by lookup.
func (n *Node) Services() []ServiceInfo {
	return append([]ServiceInfo(nil), n.services...)
}

func (n *Node) HasService(svc schema.Service) bool {
	_, ok := findService(n.services, svc)
	return ok
}

// LookedUp reports whether a lookup has completed.
func (n *Node) LookedUp() bool {
	return n.looked
}

// Service returns a handle on the node's shared socket. Every call for the
// same service type shares one family; QRTR has no client id to lease.
func (n *Node) Service(svc schema.Service) (*Handle, error) {
	if n.closed {
		return nil, ErrTransportClosed
	}
	if f := n.tr.families[familyKey(svc, 0)]; f != nil {
		return f.newHandle(), nil
	}
	info, ok := findService(n.services, svc)
	if !ok {
		return nil, ErrServiceNotFound
	}
	f := &family{
		service:  svc,
		major:    info.Major,
		instance: info.Instance,
		addr:     *info.Addr,
	}
	n.tr.addFamily(f)
	log.Debug().Str("service", svc.String()).Str("addr", info.Addr.String()).Msg("qrtr service bound")
	return f.newHandle(), nil
}

// dedicatedSocket is a per-service endpoint with its own transport.
type dedicatedSocket struct {
	ep   PacketEndpoint
	tr   *transport
	addr qrtr.Addr
	svc  schema.Service
}

// DedicatedService opens a new socket that talks only to svc. The socket
// closes when the last handle on it is freed.
func (n *Node) DedicatedService(svc schema.Service) (*Handle, error) {
	if n.closed {
		return nil, ErrTransportClosed
	}
	info, ok := findService(n.services, svc)
	if !ok {
		return nil, ErrServiceNotFound
	}
	if n.dial == nil {
		return nil, errors.New("qmi: node has no dialer for dedicated sockets")
	}
	ep, err := n.dial()
	if err != nil {
		return nil, err
	}

	ds := &dedicatedSocket{ep: ep, addr: *info.Addr, svc: svc}
	ds.tr = newTransport(n.l, qrtrKind, qrtrTxnBase,
		func(r *request) error {
			_, err := ep.WriteTo(r.buf, ds.addr)
			return err
		},
		frame.EncodeService,
	)
	ds.tr.debug = n.tr.debug
	f := &family{
		service:  svc,
		major:    info.Major,
		instance: info.Instance,
		addr:     ds.addr,
		release:  func(*family) { n.closeDedicated(ds) },
	}
	ds.tr.addFamily(f)
	n.dedicated[ds] = struct{}{}
	go packetReadLoop(n.l, ep, n.cfg.ReadBufferSize, ds.handlePacket, func(err error) {
		if !ds.tr.closed && !errors.Is(err, os.ErrClosed) {
			log.Error().Err(err).Str("service", svc.String()).Msg("dedicated qrtr read failed")
		}
		n.closeDedicated(ds)
	})
	log.Info().Str("service", svc.String()).Str("addr", ds.addr.String()).Msg("dedicated qrtr socket opened")
	return f.newHandle(), nil
}

func (ds *dedicatedSocket) handlePacket(pkt []byte, from qrtr.Addr) {
	if ds.tr.closed {
		return
	}
	if from != ds.addr {
		observability.RecordFrameDropped(qrtrKind, "unknown_sender")
		return
	}
	ds.tr.hexdump('<', pkt)
	m, err := frame.DecodeService(pkt)
	if err != nil {
		log.Warn().Err(err).Str("from", from.String()).Msg("dropping malformed qrtr packet")
		observability.RecordFrameDropped(qrtrKind, "malformed")
		return
	}
	m.Service = ds.svc
	ds.tr.handleMessage(m)
}

func (n *Node) closeDedicated(ds *dedicatedSocket) {
	if _, ok := n.dedicated[ds]; !ok {
		return
	}
	delete(n.dedicated, ds)
	ds.tr.teardown()
	if err := ds.ep.Close(); err != nil {
		log.Debug().Err(err).Msg("closing dedicated qrtr socket")
	}
}

// Close tears down the shared transport, every dedicated socket, and any
// lookup in progress. Close is idempotent.
func (n *Node) Close() error {
	if n.closed {
		return nil
	}
	n.closed = true
	if op := n.lookup; op != nil {
		n.lookup = nil
		op.abort(ErrTransportClosed)
	}
	for ds := range n.dedicated {
		n.closeDedicated(ds)
	}
	n.tr.teardown()
	err := n.ep.Close()
	log.Info().Msg("qrtr node closed")
	return err
}

// lookupOp collects NEW_SERVER announcements until the all-zero sentinel
// or until no announcement has arrived for the lookup timeout.
type lookupOp struct {
	n       *Node
	timer   *loop.Timer
	fn      func(error)
	added   int
	started time.Time
	done    bool
}

// Lookup asks the name service for every service. fn runs exactly once.
func (n *Node) Lookup(fn func(error)) error {
	switch {
	case n.closed:
		return ErrTransportClosed
	case n.lookup != nil:
		return ErrBusy
	}
	local, err := n.ep.LocalAddr()
	if err != nil {
		return err
	}
	ctl := qrtr.Addr{Node: local.Node, Port: qrtr.PortControl}
	pkt := qrtr.NewLookup()
	n.tr.hexdump('>', pkt)
	if _, err := n.ep.WriteTo(pkt, ctl); err != nil {
		return err
	}
	observability.RecordFrameWritten(qrtrKind)
	op := &lookupOp{n: n, fn: fn, started: time.Now()}
	op.timer = n.l.AfterFunc(n.cfg.LookupTimeout, op.onTimeout)
	n.lookup = op
	log.Debug().Str("control", ctl.String()).Msg("qrtr lookup started")
	return nil
}

func (op *lookupOp) handleServer(s qrtr.Server) {
	if s.IsZero() {
		op.finish(nil)
		return
	}
	op.timer.Reset(op.n.cfg.LookupTimeout)
	if op.n.node != AnyNode && s.Node != op.n.node {
		return
	}
	// QMI service types are 8-bit; wider ids belong to non-QMI servers.
	if s.Service > 0xff {
		log.Debug().Uint32("service", s.Service).Str("addr", s.Addr().String()).Msg("ignoring non-qmi qrtr service")
		return
	}
	if op.n.addService(s) {
		op.added++
		log.Debug().Str("service", schema.Service(s.Service).String()).Uint8("version", s.Version()).
			Uint32("instance", s.InstanceID()).Str("addr", s.Addr().String()).Msg("qrtr service announced")
	}
}

func (op *lookupOp) onTimeout() {
	if op.done {
		return
	}
	if len(op.n.services) == 0 {
		op.finish(ErrTimeout)
		return
	}
	log.Warn().Int("services", len(op.n.services)).Msg("qrtr lookup ended without sentinel")
	op.finish(nil)
}

func (op *lookupOp) finish(err error) {
	if op.done {
		return
	}
	op.done = true
	op.timer.Stop()
	if op.n.lookup == op {
		op.n.lookup = nil
	}
	if err == nil {
		op.n.looked = true
		log.Info().Int("services", len(op.n.services)).Int("added", op.added).Msg("qrtr lookup complete")
	} else {
		log.Warn().Err(err).Msg("qrtr lookup failed")
	}
	observability.RecordDiscovery(qrtrKind, err, time.Since(op.started))
	op.fn(err)
}

func (op *lookupOp) abort(err error) {
	if op.done {
		return
	}
	op.done = true
	op.timer.Stop()
	observability.RecordDiscovery(qrtrKind, err, time.Since(op.started))
	fn := op.fn
	op.n.l.Idle(func() { fn(err) })
}
