// Package modem wraps the loop-bound qmi engine in blocking, goroutine-safe
// calls for CLI and daemon code.
package modem

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/modemctl/internal/loop"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/danmuck/modemctl/internal/protocol/tlv"
	"github.com/danmuck/modemctl/internal/qmi"
	"github.com/rs/zerolog/log"
)

// Source is anything that reports discovered services: a qmi.Device or a
// qmi.Node.
type Source interface {
	Services() []qmi.ServiceInfo
}

// Client runs engine operations on the loop and waits for their callbacks.
type Client struct {
	l       *loop.Loop
	pending *Tracker
}

// NewClient bounds Call to maxPending concurrent requests; zero or less
// means unbounded.
func NewClient(l *loop.Loop, maxPending int) *Client {
	return &Client{l: l, pending: NewTracker(maxPending)}
}

func (c *Client) Pending() []PendingCall {
	return c.pending.List()
}

// Capacity is the Call bound passed to NewClient; zero means unbounded.
func (c *Client) Capacity() int {
	return c.pending.Capacity()
}

// do runs fn on the loop and returns its error.
func (c *Client) do(ctx context.Context, fn func() error) error {
	var err error
	if derr := c.l.Do(ctx, func() { err = fn() }); derr != nil {
		return derr
	}
	return err
}

func wait(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discover runs QMUX discovery and waits for it.
func (c *Client) Discover(ctx context.Context, d *qmi.Device) error {
	ch := make(chan error, 1)
	if err := c.do(ctx, func() error {
		return d.Discover(func(err error) { ch <- err })
	}); err != nil {
		return err
	}
	return wait(ctx, ch)
}

// Lookup runs a QRTR lookup and waits for it.
func (c *Client) Lookup(ctx context.Context, n *qmi.Node) error {
	ch := make(chan error, 1)
	if err := c.do(ctx, func() error {
		return n.Lookup(func(err error) { ch <- err })
	}); err != nil {
		return err
	}
	return wait(ctx, ch)
}

// Services snapshots src's service list on the loop.
func (c *Client) Services(ctx context.Context, src Source) ([]qmi.ServiceInfo, error) {
	var out []qmi.ServiceInfo
	err := c.do(ctx, func() error {
		out = src.Services()
		return nil
	})
	return out, err
}

// Snapshot is a point-in-time view of a Device or Node.
type Snapshot struct {
	Transport      string            `json:"transport"`
	Ready          bool              `json:"ready"`
	ControlVersion string            `json:"control_version,omitempty"`
	Firmware       string            `json:"firmware,omitempty"`
	Services       []qmi.ServiceInfo `json:"services"`
	Pending        int               `json:"pending"`
}

// Snapshot reads src on the loop. Ready means discovery (QMUX) or a lookup
// (QRTR) has completed.
func (c *Client) Snapshot(ctx context.Context, src Source) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() error {
		switch s := src.(type) {
		case *qmi.Device:
			major, minor := s.ControlVersion()
			snap.Transport = "qmux"
			snap.Ready = s.Discovered()
			snap.ControlVersion = fmt.Sprintf("%d.%d", major, minor)
			snap.Firmware = s.VersionString()
		case *qmi.Node:
			snap.Transport = "qrtr"
			snap.Ready = s.LookedUp()
		}
		snap.Services = src.Services()
		return nil
	})
	if snap.Services == nil {
		snap.Services = []qmi.ServiceInfo{}
	}
	snap.Pending = c.pending.Len()
	return snap, err
}

type leased struct {
	h   *qmi.Handle
	err error
}

// CreateClient leases a client id on d. A handle that arrives after ctx is
// done is freed.
func (c *Client) CreateClient(ctx context.Context, d *qmi.Device, svc schema.Service) (*qmi.Handle, error) {
	ch := make(chan leased, 1)
	var abandoned atomic.Bool
	if err := c.do(ctx, func() error {
		return d.CreateClient(svc, func(h *qmi.Handle, err error) {
			if abandoned.Load() {
				if h != nil {
					h.Free()
				}
				return
			}
			ch <- leased{h, err}
		})
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.h, r.err
	case <-ctx.Done():
		abandoned.Store(true)
		c.l.Post(func() {
			select {
			case r := <-ch:
				if r.h != nil {
					r.h.Free()
				}
			default:
			}
		})
		return nil, ctx.Err()
	}
}

// Service returns a shared QRTR handle for svc.
func (c *Client) Service(ctx context.Context, n *qmi.Node, svc schema.Service) (*qmi.Handle, error) {
	var h *qmi.Handle
	err := c.do(ctx, func() error {
		var err error
		h, err = n.Service(svc)
		return err
	})
	return h, err
}

// Free releases h on the loop.
func (c *Client) Free(ctx context.Context, h *qmi.Handle) error {
	return c.do(ctx, func() error {
		h.Free()
		return nil
	})
}

// Call sends one request on h and waits for its response. The returned
// result is a copy. A response whose result record reports failure is
// returned together with its *qmi.ResultError. A request the engine drops
// without a response (transport closed, write failure, family torn down)
// fails with qmi.ErrTransportClosed. When ctx ends first the request is
// cancelled.
func (c *Client) Call(ctx context.Context, h *qmi.Handle, msgID uint16, p *tlv.Param) (*qmi.Result, error) {
	id, err := c.pending.Reserve(PendingCall{Service: h.ServiceType(), MessageID: msgID})
	if err != nil {
		return nil, err
	}
	defer c.pending.Remove(id)

	type outcome struct {
		res *qmi.Result
		err error
	}
	ch := make(chan outcome, 1)
	var txn uint16
	if err := c.do(ctx, func() error {
		answered := false
		var err error
		txn, err = h.Send(msgID, p,
			func(res *qmi.Result) {
				answered = true
				ch <- outcome{res: res.Clone(), err: res.Err()}
			},
			qmi.WithDestroy(func() {
				if !answered {
					ch <- outcome{err: qmi.ErrTransportClosed}
				}
			}),
		)
		return err
	}); err != nil {
		return nil, err
	}
	c.pending.SetTransaction(id, txn)

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		c.l.Post(func() { h.Cancel(txn) })
		log.Debug().Str("service", h.ServiceType().String()).Uint16("txn", txn).Msg("call abandoned")
		return nil, ctx.Err()
	}
}

// Shutdown releases every client id on d and waits for the releases.
func (c *Client) Shutdown(ctx context.Context, d *qmi.Device) error {
	ch := make(chan error, 1)
	if err := c.do(ctx, func() error {
		return d.Shutdown(func() { ch <- nil })
	}); err != nil {
		return err
	}
	return wait(ctx, ch)
}
