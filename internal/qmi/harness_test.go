package qmi

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/modemctl/internal/loop"
	"github.com/danmuck/modemctl/internal/protocol/frame"
	"github.com/danmuck/modemctl/internal/protocol/qrtr"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/danmuck/modemctl/internal/protocol/tlv"
	"github.com/danmuck/modemctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type harness struct {
	t *testing.T
	l *loop.Loop
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	testlog.Start(t)
	l := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{t: t, l: l}
}

// do runs fn on the loop goroutine and waits for it.
func (h *harness) do(fn func()) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(h.t, h.l.Do(ctx, fn))
}

// settle lets reader goroutines and queued tasks drain.
func (h *harness) settle() {
	h.t.Helper()
	time.Sleep(20 * time.Millisecond)
	h.do(func() {})
	h.do(func() {})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DiscoverAttempts = 1
	return cfg
}

// fakeStream is an in-memory QMUX character device.
type fakeStream struct {
	writes    chan []byte
	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	failWrite atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		writes: make(chan []byte, 512),
		reads:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	select {
	case b := <-s.reads:
		return copy(p, b), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *fakeStream) Write(p []byte) (int, error) {
	if s.failWrite.Load() {
		return 0, errors.New("fake: write failed")
	}
	s.writes <- append([]byte(nil), p...)
	return len(p), nil
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) next(t *testing.T) frame.Message {
	t.Helper()
	select {
	case b := <-s.writes:
		m, n, err := frame.DecodeQMUX(b)
		require.NoError(t, err)
		require.Equal(t, len(b), n)
		return m
	case <-time.After(waitFor):
		t.Fatalf("no frame written within %s", waitFor)
		return frame.Message{}
	}
}

func (s *fakeStream) expectNone(t *testing.T) {
	t.Helper()
	select {
	case b := <-s.writes:
		m, _, _ := frame.DecodeQMUX(b)
		t.Fatalf("unexpected frame: service=%s msg=0x%04x", m.Service, m.MessageID)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *fakeStream) inject(t *testing.T, m frame.Message) {
	t.Helper()
	b, err := frame.EncodeQMUX(m)
	require.NoError(t, err)
	s.reads <- b
}

func (s *fakeStream) injectRaw(b []byte) {
	s.reads <- b
}

func take(t *testing.T, p *tlv.Param) []byte {
	t.Helper()
	b, err := p.Take()
	require.NoError(t, err)
	return b
}

func okTLV() *tlv.Param {
	return tlv.NewParam().Append(tlv.TypeResult, []byte{0, 0, 0, 0})
}

func failTLV(code uint16) *tlv.Param {
	return tlv.NewParam().Append(tlv.TypeResult, []byte{1, 0, byte(code), byte(code >> 8)})
}

func ctlReply(req frame.Message, tlvs []byte) frame.Message {
	return frame.Message{
		Service:     schema.ServiceControl,
		Flags:       frame.FlagFromService,
		Type:        frame.ControlResponse,
		Transaction: req.Transaction,
		MessageID:   req.MessageID,
		TLVs:        tlvs,
	}
}

func svcReply(req frame.Message, tlvs []byte) frame.Message {
	return frame.Message{
		Service:     req.Service,
		ClientID:    req.ClientID,
		Flags:       frame.FlagFromService,
		Type:        frame.ServiceResponse,
		Transaction: req.Transaction,
		MessageID:   req.MessageID,
		TLVs:        tlvs,
	}
}

func indication(svc schema.Service, client uint8, msgID uint16, tlvs []byte) frame.Message {
	return frame.Message{
		Service:   svc,
		ClientID:  client,
		Flags:     frame.FlagFromService,
		Type:      frame.ServiceIndication,
		MessageID: msgID,
		TLVs:      tlvs,
	}
}

type svcVersion struct {
	svc          schema.Service
	major, minor uint16
}

func versionInfoTLVs(t *testing.T, ctlMajor, ctlMinor uint16, services ...svcVersion) []byte {
	t.Helper()
	list := []byte{byte(len(services) + 1), byte(schema.ServiceControl),
		byte(ctlMajor), byte(ctlMajor >> 8), byte(ctlMinor), byte(ctlMinor >> 8)}
	for _, s := range services {
		list = append(list, byte(s.svc), byte(s.major), byte(s.major>>8), byte(s.minor), byte(s.minor>>8))
	}
	return take(t, okTLV().Append(versionListTLV, list).Append(versionStringTLV, append([]byte{5}, "fw1.0"...)))
}

// openDevice returns a device wired to a fake stream.
func openDevice(h *harness, cfg Config) (*Device, *fakeStream) {
	s := newFakeStream()
	var d *Device
	h.do(func() { d = NewDevice(h.l, s, cfg) })
	h.t.Cleanup(func() {
		_ = h.l.Do(context.Background(), func() { d.Close() })
	})
	return d, s
}

// discover drives a full discovery against the fake modem.
func discover(h *harness, d *Device, s *fakeStream, services ...svcVersion) {
	h.t.Helper()
	done := make(chan error, 1)
	h.do(func() { require.NoError(h.t, d.Discover(func(err error) { done <- err })) })
	req := s.next(h.t)
	require.Equal(h.t, schema.CtlGetVersionInfo, req.MessageID)
	s.inject(h.t, ctlReply(req, versionInfoTLVs(h.t, 1, 2, services...)))
	require.NoError(h.t, waitErr(h.t, done))
}

// lease drives GET_CLIENT_ID against the fake modem and returns the handle.
func lease(h *harness, d *Device, s *fakeStream, svc schema.Service, client uint8) *Handle {
	h.t.Helper()
	type leased struct {
		h   *Handle
		err error
	}
	done := make(chan leased, 1)
	h.do(func() {
		require.NoError(h.t, d.CreateClient(svc, func(hd *Handle, err error) { done <- leased{hd, err} }))
	})
	req := s.next(h.t)
	require.Equal(h.t, schema.CtlGetClientID, req.MessageID)
	v, ok := tlv.Find(req.TLVs, clientIDTLV)
	require.True(h.t, ok)
	require.Equal(h.t, []byte{byte(svc)}, v)
	s.inject(h.t, ctlReply(req, take(h.t, okTLV().Append(clientIDTLV, []byte{byte(svc), client}))))
	select {
	case got := <-done:
		require.NoError(h.t, got.err)
		return got.h
	case <-time.After(waitFor):
		h.t.Fatalf("lease of %s did not complete", svc)
		return nil
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(waitFor):
		t.Fatalf("callback did not fire within %s", waitFor)
		return nil
	}
}

type sentPacket struct {
	data []byte
	to   qrtr.Addr
}

type recvPacket struct {
	data []byte
	from qrtr.Addr
}

// fakePacket is an in-memory IPC-router socket.
type fakePacket struct {
	local     qrtr.Addr
	writes    chan sentPacket
	reads     chan recvPacket
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePacket(local qrtr.Addr) *fakePacket {
	return &fakePacket{
		local:  local,
		writes: make(chan sentPacket, 512),
		reads:  make(chan recvPacket, 64),
		closed: make(chan struct{}),
	}
}

func (p *fakePacket) ReadFrom(b []byte) (int, qrtr.Addr, error) {
	select {
	case pkt := <-p.reads:
		return copy(b, pkt.data), pkt.from, nil
	case <-p.closed:
		return 0, qrtr.Addr{}, io.ErrClosedPipe
	}
}

func (p *fakePacket) WriteTo(b []byte, addr qrtr.Addr) (int, error) {
	select {
	case <-p.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	p.writes <- sentPacket{data: append([]byte(nil), b...), to: addr}
	return len(b), nil
}

func (p *fakePacket) LocalAddr() (qrtr.Addr, error) {
	return p.local, nil
}

func (p *fakePacket) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePacket) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakePacket) next(t *testing.T) sentPacket {
	t.Helper()
	select {
	case pkt := <-p.writes:
		return pkt
	case <-time.After(waitFor):
		t.Fatalf("no packet written within %s", waitFor)
		return sentPacket{}
	}
}

func (p *fakePacket) announce(s qrtr.Server) {
	p.reads <- recvPacket{
		data: qrtr.EncodeControl(qrtr.ControlPacket{Cmd: qrtr.CmdNewServer, Server: s}),
		from: qrtr.Addr{Node: p.local.Node, Port: qrtr.PortControl},
	}
}

func (p *fakePacket) control(cmd uint32, s qrtr.Server) {
	p.reads <- recvPacket{
		data: qrtr.EncodeControl(qrtr.ControlPacket{Cmd: cmd, Server: s}),
		from: qrtr.Addr{Node: p.local.Node, Port: qrtr.PortControl},
	}
}

func (p *fakePacket) deliver(t *testing.T, from qrtr.Addr, m frame.Message) {
	t.Helper()
	b, err := frame.EncodeService(m)
	require.NoError(t, err)
	p.reads <- recvPacket{data: b, from: from}
}
