package qmi

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/modemctl/internal/protocol/frame"
	"github.com/danmuck/modemctl/internal/protocol/qrtr"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/danmuck/modemctl/internal/protocol/tlv"
	"github.com/stretchr/testify/require"
)

var localAddr = qrtr.Addr{Node: 1, Port: 0x4000}

func openNode(h *harness, cfg Config, dial DialFunc) (*Node, *fakePacket) {
	ep := newFakePacket(localAddr)
	var n *Node
	h.do(func() { n = NewNode(h.l, ep, dial, cfg) })
	h.t.Cleanup(func() {
		_ = h.l.Do(context.Background(), func() { n.Close() })
	})
	return n, ep
}

func server(svc schema.Service, version uint8, instance, node, port uint32) qrtr.Server {
	return qrtr.Server{
		Service:  uint32(svc),
		Instance: qrtr.PackInstance(version, instance),
		Node:     node,
		Port:     port,
	}
}

func startLookup(h *harness, n *Node, ep *fakePacket) chan error {
	h.t.Helper()
	done := make(chan error, 4)
	h.do(func() { require.NoError(h.t, n.Lookup(func(err error) { done <- err })) })
	pkt := ep.next(h.t)
	require.Equal(h.t, qrtr.Addr{Node: localAddr.Node, Port: qrtr.PortControl}, pkt.to)
	p, err := qrtr.DecodeControl(pkt.data)
	require.NoError(h.t, err)
	require.Equal(h.t, qrtr.CmdNewLookup, p.Cmd)
	return done
}

// lookupServices runs a lookup that announces services then the sentinel.
func lookupServices(h *harness, n *Node, ep *fakePacket, servers ...qrtr.Server) {
	h.t.Helper()
	done := startLookup(h, n, ep)
	for _, s := range servers {
		ep.announce(s)
	}
	ep.announce(qrtr.Server{})
	require.NoError(h.t, waitErr(h.t, done))
}

func TestLookupCompletesOnSentinelAndIgnoresLateAnnouncements(t *testing.T) {
	h := newHarness(t)
	n, ep := openNode(h, testConfig(), nil)

	done := startLookup(h, n, ep)
	ep.announce(server(schema.ServiceWDS, 1, 0, 0, 10))
	ep.announce(server(schema.ServiceNAS, 2, 1, 0, 11))
	ep.announce(server(schema.ServiceWDS, 1, 0, 0, 10))
	ep.announce(server(schema.ServiceDMS, 1, 0, 0, 12))
	ep.announce(qrtr.Server{})
	require.NoError(t, waitErr(t, done))

	ep.announce(server(schema.ServiceVoice, 2, 0, 0, 13))
	h.settle()
	require.Len(t, done, 0)

	h.do(func() {
		require.True(t, n.LookedUp())
		services := n.Services()
		require.Len(t, services, 3)
		require.Equal(t, schema.ServiceNAS, services[1].Type)
		require.Equal(t, uint16(2), services[1].Major)
		require.Equal(t, uint32(1), services[1].Instance)
		require.Equal(t, qrtr.Addr{Node: 0, Port: 11}, *services[1].Addr)
		require.False(t, n.HasService(schema.ServiceVoice))
	})
}

func TestLookupSkipsServiceIDsWiderThanQMI(t *testing.T) {
	h := newHarness(t)
	n, ep := openNode(h, testConfig(), nil)

	lookupServices(h, n, ep,
		qrtr.Server{Service: 0x100 | uint32(schema.ServiceWDS), Instance: qrtr.PackInstance(1, 0), Node: 0, Port: 40},
		server(schema.ServiceNAS, 1, 0, 0, 11),
	)

	h.do(func() {
		require.False(t, n.HasService(schema.ServiceWDS))
		require.Len(t, n.Services(), 1)
		_, err := n.Service(schema.ServiceWDS)
		require.ErrorIs(t, err, ErrServiceNotFound)
	})
}

func TestLookupTimeoutWithoutServicesFails(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.LookupTimeout = 30 * time.Millisecond
	n, ep := openNode(h, cfg, nil)

	done := startLookup(h, n, ep)
	require.ErrorIs(t, waitErr(t, done), ErrTimeout)
}

func TestLookupTimeoutKeepsAnnouncedServices(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.LookupTimeout = 150 * time.Millisecond
	n, ep := openNode(h, cfg, nil)

	done := startLookup(h, n, ep)
	time.Sleep(100 * time.Millisecond)
	ep.announce(server(schema.ServiceWDS, 1, 0, 0, 10))
	time.Sleep(100 * time.Millisecond)
	require.Len(t, done, 0, "announcement must renew the lookup timer")
	require.NoError(t, waitErr(t, done))
	h.do(func() { require.Len(t, n.Services(), 1) })
}

func TestLookupRejectsConcurrentCall(t *testing.T) {
	h := newHarness(t)
	n, ep := openNode(h, testConfig(), nil)
	_ = startLookup(h, n, ep)
	h.do(func() { require.ErrorIs(t, n.Lookup(func(error) {}), ErrBusy) })
}

func TestDelServerAndByeRemoveServices(t *testing.T) {
	h := newHarness(t)
	n, ep := openNode(h, testConfig(), nil)
	lookupServices(h, n, ep,
		server(schema.ServiceWDS, 1, 0, 0, 10),
		server(schema.ServiceNAS, 1, 0, 0, 11),
		server(schema.ServiceDMS, 1, 0, 5, 12),
	)

	ep.control(qrtr.CmdDelServer, server(schema.ServiceWDS, 1, 0, 0, 10))
	h.settle()
	h.do(func() {
		require.False(t, n.HasService(schema.ServiceWDS))
		require.Len(t, n.Services(), 2)
	})

	ep.control(qrtr.CmdBye, qrtr.Server{Service: 5})
	h.settle()
	h.do(func() {
		require.False(t, n.HasService(schema.ServiceDMS))
		require.True(t, n.HasService(schema.ServiceNAS))
	})
}

func TestSharedServiceSendAndDemuxBySender(t *testing.T) {
	h := newHarness(t)
	n, ep := openNode(h, testConfig(), nil)
	wdsAddr := qrtr.Addr{Node: 0, Port: 10}
	nasAddr := qrtr.Addr{Node: 0, Port: 11}
	lookupServices(h, n, ep,
		server(schema.ServiceWDS, 1, 0, wdsAddr.Node, wdsAddr.Port),
		server(schema.ServiceNAS, 2, 0, nasAddr.Node, nasAddr.Port),
	)

	got := make(chan *Result, 4)
	var wds, nas *Handle
	h.do(func() {
		var err error
		wds, err = n.Service(schema.ServiceWDS)
		require.NoError(t, err)
		nas, err = n.Service(schema.ServiceNAS)
		require.NoError(t, err)
		require.Equal(t, uint8(0), wds.ClientID())
		major, _ := nas.Version()
		require.Equal(t, uint16(2), major)

		_, err = wds.Send(0x0020, tlv.NewParam().AppendUint8(0x01, 1), func(res *Result) { got <- res.Clone() })
		require.NoError(t, err)
		_, err = nas.Send(0x0020, nil, func(res *Result) { got <- res.Clone() })
		require.NoError(t, err)
	})

	first := ep.next(t)
	require.Equal(t, wdsAddr, first.to)
	wreq, err := frame.DecodeService(first.data)
	require.NoError(t, err)
	require.Equal(t, frame.ServiceRequest, wreq.Type)
	require.Equal(t, qrtrTxnBase, wreq.Transaction)

	second := ep.next(t)
	require.Equal(t, nasAddr, second.to)
	nreq, err := frame.DecodeService(second.data)
	require.NoError(t, err)
	require.NotEqual(t, wreq.Transaction, nreq.Transaction)

	// Same transaction id from the wrong sender must not complete the
	// WDS request.
	stray := svcReply(wreq, take(t, okTLV()))
	ep.deliver(t, qrtr.Addr{Node: 9, Port: 99}, stray)
	ep.deliver(t, nasAddr, svcReply(nreq, take(t, okTLV())))
	ep.deliver(t, wdsAddr, svcReply(wreq, take(t, okTLV())))

	var order []schema.Service
	for i := 0; i < 2; i++ {
		select {
		case res := <-got:
			require.NoError(t, res.Err())
			order = append(order, res.Service)
		case <-time.After(waitFor):
			t.Fatal("missing response")
		}
	}
	require.Equal(t, []schema.Service{schema.ServiceNAS, schema.ServiceWDS}, order)
}

func TestSharedServiceReusesFamilyAndIndications(t *testing.T) {
	h := newHarness(t)
	n, ep := openNode(h, testConfig(), nil)
	addr := qrtr.Addr{Node: 0, Port: 20}
	lookupServices(h, n, ep, server(schema.ServiceVoice, 2, 0, addr.Node, addr.Port))

	var calls atomic.Int32
	var a, b *Handle
	h.do(func() {
		var err error
		a, err = n.Service(schema.ServiceVoice)
		require.NoError(t, err)
		b, err = n.Service(schema.ServiceVoice)
		require.NoError(t, err)
		require.Same(t, a.fam, b.fam)
		_, err = b.Register(0x002e, func(res *Result) {
			require.True(t, res.Indication)
			calls.Add(1)
		})
		require.NoError(t, err)
		_, err = n.Service(schema.ServiceWMS)
		require.ErrorIs(t, err, ErrServiceNotFound)
	})

	ep.deliver(t, addr, frame.Message{Type: frame.ServiceIndication, MessageID: 0x002e})
	h.settle()
	require.Equal(t, int32(1), calls.Load())

	h.do(func() {
		a.Free()
		b.Free()
		require.Empty(t, n.tr.families)
	})
}

func TestDedicatedServiceUsesOwnSocket(t *testing.T) {
	h := newHarness(t)
	dedicated := newFakePacket(qrtr.Addr{Node: 1, Port: 0x4001})
	var dials atomic.Int32
	dial := func() (PacketEndpoint, error) {
		dials.Add(1)
		return dedicated, nil
	}
	n, ep := openNode(h, testConfig(), dial)
	addr := qrtr.Addr{Node: 0, Port: 30}
	lookupServices(h, n, ep, server(schema.ServiceWDS, 1, 0, addr.Node, addr.Port))

	done := make(chan error, 1)
	var hd *Handle
	h.do(func() {
		var err error
		hd, err = n.DedicatedService(schema.ServiceWDS)
		require.NoError(t, err)
		_, err = hd.Send(0x0001, nil, func(res *Result) { done <- res.Err() })
		require.NoError(t, err)
	})
	require.Equal(t, int32(1), dials.Load())

	pkt := dedicated.next(t)
	require.Equal(t, addr, pkt.to)
	req, err := frame.DecodeService(pkt.data)
	require.NoError(t, err)
	require.Equal(t, qrtrTxnBase, req.Transaction)
	select {
	case p := <-ep.writes:
		t.Fatalf("shared socket used for dedicated service: %+v", p)
	default:
	}

	dedicated.deliver(t, qrtr.Addr{Node: 3, Port: 3}, svcReply(req, take(t, failTLV(1))))
	dedicated.deliver(t, addr, svcReply(req, take(t, okTLV())))
	require.NoError(t, waitErr(t, done))

	h.do(func() {
		hd.Free()
		require.Empty(t, n.dedicated)
	})
	require.True(t, dedicated.isClosed())
	require.False(t, ep.isClosed())
}

func TestDedicatedServiceRequiresKnownService(t *testing.T) {
	h := newHarness(t)
	n, _ := openNode(h, testConfig(), func() (PacketEndpoint, error) {
		t.Fatal("dial must not be called")
		return nil, nil
	})
	h.do(func() {
		_, err := n.DedicatedService(schema.ServiceWDS)
		require.ErrorIs(t, err, ErrServiceNotFound)
	})
}

func TestNodeCloseFailsLookupAndClosesSockets(t *testing.T) {
	h := newHarness(t)
	dedicated := newFakePacket(qrtr.Addr{Node: 1, Port: 0x4001})
	n, ep := openNode(h, testConfig(), func() (PacketEndpoint, error) { return dedicated, nil })
	lookupServices(h, n, ep, server(schema.ServiceWDS, 1, 0, 0, 10))

	var hd *Handle
	h.do(func() {
		var err error
		hd, err = n.DedicatedService(schema.ServiceWDS)
		require.NoError(t, err)
	})
	done := startLookup(h, n, ep)
	h.do(func() { require.NoError(t, n.Close()) })

	require.ErrorIs(t, waitErr(t, done), ErrTransportClosed)
	require.True(t, ep.isClosed())
	require.True(t, dedicated.isClosed())
	h.do(func() {
		_, err := hd.Send(0x0001, nil, nil)
		require.ErrorIs(t, err, ErrTransportClosed)
		hd.Free()
		_, err = n.Service(schema.ServiceWDS)
		require.ErrorIs(t, err, ErrTransportClosed)
	})
}

func TestNodeFilterKeepsOnlyRequestedNode(t *testing.T) {
	h := newHarness(t)
	ep := newFakePacket(localAddr)
	var n *Node
	h.do(func() { n = newNode(h.l, ep, nil, testConfig(), 7) })
	t.Cleanup(func() { _ = h.l.Do(context.Background(), func() { n.Close() }) })

	lookupServices(h, n, ep,
		server(schema.ServiceWDS, 1, 0, 7, 10),
		server(schema.ServiceNAS, 1, 0, 0, 11),
	)
	h.do(func() {
		require.True(t, n.HasService(schema.ServiceWDS))
		require.False(t, n.HasService(schema.ServiceNAS))
	})
}
