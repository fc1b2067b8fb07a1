package qmi

import (
	"github.com/danmuck/modemctl/internal/protocol/frame"
	"github.com/danmuck/modemctl/internal/protocol/qrtr"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/danmuck/modemctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Handle is a driver's reference to a service family. Handles are cheap to
// clone; cancellation through a handle only touches requests it sent.
type Handle struct {
	fam   *family
	id    uint32
	freed bool
}

func (h *Handle) live() (*family, error) {
	if h == nil || h.freed {
		return nil, ErrHandleFreed
	}
	if h.fam.t == nil || h.fam.t.closed {
		return nil, ErrTransportClosed
	}
	return h.fam, nil
}

// Send encodes and queues a request. The param builder is consumed whether
// or not Send succeeds. On error no request exists and the destroy hook is
// not run. The returned transaction id can be passed to Cancel.
func (h *Handle) Send(msgID uint16, p *tlv.Param, fn ResultFunc, opts ...SendOption) (uint16, error) {
	payload, err := p.Take()
	if err != nil {
		return 0, err
	}
	f, err := h.live()
	if err != nil {
		return 0, err
	}
	t := f.t
	txn, err := t.allocTxn()
	if err != nil {
		return 0, err
	}
	buf, err := t.encode(frame.Message{
		Service:     f.service,
		ClientID:    f.clientID,
		Flags:       frame.FlagFromHost,
		Type:        frame.ServiceRequest,
		Transaction: txn,
		MessageID:   msgID,
		TLVs:        payload,
	})
	if err != nil {
		return 0, err
	}
	r := &request{
		txn:     txn,
		group:   f.group,
		handle:  h.id,
		service: f.service,
		msgID:   msgID,
		buf:     buf,
		addr:    f.addr,
		done:    replyCompletion{fn: fn},
	}
	for _, opt := range opts {
		opt(r)
	}
	log.Debug().Str("service", f.service.String()).Uint8("client", f.clientID).
		Uint16("txn", txn).Uint16("msg", msgID).Int("len", len(payload)).Msg("send")
	t.submit(r)
	return txn, nil
}

// Register adds an indication callback for msgID and returns its id.
func (h *Handle) Register(msgID uint16, fn ResultFunc) (uint16, error) {
	if h == nil || h.freed {
		return 0, ErrHandleFreed
	}
	return h.fam.register(h.id, msgID, fn), nil
}

// Unregister removes one registration made through this handle's family.
func (h *Handle) Unregister(id uint16) bool {
	if h == nil || h.freed {
		return false
	}
	return h.fam.unregister(func(n *notification) bool { return n.id == id }) > 0
}

// UnregisterAll removes every registration made through this handle.
func (h *Handle) UnregisterAll() {
	if h == nil || h.freed {
		return
	}
	h.fam.unregister(func(n *notification) bool { return n.handle == h.id })
}

// Cancel frees one outstanding request sent through this handle. The
// callback will not run. Cancelling an unknown or completed id is a no-op.
func (h *Handle) Cancel(txn uint16) bool {
	f, err := h.live()
	if err != nil {
		return false
	}
	return f.t.cancel(f.group, h.id, txn)
}

// CancelAll frees every outstanding request sent through this handle.
func (h *Handle) CancelAll() {
	f, err := h.live()
	if err != nil {
		return
	}
	f.t.cancelAll(f.group, h.id)
}

// Clone returns a new handle on the same family.
func (h *Handle) Clone() (*Handle, error) {
	f, err := h.live()
	if err != nil {
		return nil, err
	}
	return f.newHandle(), nil
}

// Free cancels this handle's requests and registrations and drops its
// reference. The last Free tears the family down. Free is idempotent.
func (h *Handle) Free() {
	if h == nil || h.freed {
		return
	}
	h.CancelAll()
	h.UnregisterAll()
	h.freed = true
	h.fam.unref()
}

func (h *Handle) ServiceType() schema.Service {
	return h.fam.service
}

func (h *Handle) ClientID() uint8 {
	return h.fam.clientID
}

// Version is the negotiated version of the service: major/minor on QMUX,
// the announced version on QRTR (minor is zero).
func (h *Handle) Version() (major, minor uint16) {
	return h.fam.major, h.fam.minor
}

// Instance is the QRTR instance id, zero on QMUX.
func (h *Handle) Instance() uint32 {
	return h.fam.instance
}

// Addr is the QRTR address the service is reached at.
func (h *Handle) Addr() qrtr.Addr {
	return h.fam.addr
}
