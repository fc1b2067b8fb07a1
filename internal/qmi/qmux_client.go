package qmi

import (
	"github.com/danmuck/modemctl/internal/loop"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/danmuck/modemctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// clientIDTLV carries {service} in GET_CLIENT_ID requests and
// {service, client} in replies and RELEASE_CLIENT_ID.
const clientIDTLV uint8 = 0x01

type leaseOp struct {
	d       *Device
	service schema.Service
	req     *request
	timer   *loop.Timer
	fn      func(*Handle, error)
	done    bool

	// orphaned leases already reported ErrShutdown; a late client id is
	// released instead of adopted.
	orphaned bool
}

// CreateClient leases a new client id for svc. fn runs exactly once with a
// handle on the new family or an error.
func (d *Device) CreateClient(svc schema.Service, fn func(*Handle, error)) error {
	switch {
	case d.closed:
		return ErrTransportClosed
	case d.shuttingDown:
		return ErrShutdown
	case svc == schema.ServiceControl:
		return ErrServiceNotFound
	case d.discovered && !d.HasService(svc):
		return ErrServiceNotFound
	}
	payload, err := tlv.NewParam().AppendUint8(clientIDTLV, uint8(svc)).Take()
	if err != nil {
		return err
	}
	op := &leaseOp{d: d, service: svc, fn: fn}
	req, err := d.sendControl(schema.CtlGetClientID, payload, leaseCompletion{op: op})
	if err != nil {
		return err
	}
	op.req = req
	op.timer = d.l.AfterFunc(d.cfg.ClientTimeout, op.onTimeout)
	d.leases[op] = struct{}{}
	return nil
}

// CreateSharedClient hands out a clone of an existing family for svc, or
// leases a new client id when none exists yet.
func (d *Device) CreateSharedClient(svc schema.Service, fn func(*Handle, error)) error {
	if d.closed {
		return ErrTransportClosed
	}
	if d.shuttingDown {
		return ErrShutdown
	}
	if f := d.tr.familyByService(svc); f != nil {
		h := f.newHandle()
		d.l.Idle(func() { fn(h, nil) })
		return nil
	}
	return d.CreateClient(svc, fn)
}

func (op *leaseOp) handleReply(res *Result) {
	if op.done {
		return
	}
	op.req = nil
	if err := res.Err(); err != nil {
		op.finish(nil, err)
		return
	}
	v, ok := res.Get(clientIDTLV)
	if !ok || len(v) < 2 {
		op.finish(nil, ErrMalformedResult)
		return
	}
	if schema.Service(v[0]) != op.service {
		op.finish(nil, ErrUnexpectedClient)
		return
	}
	if op.orphaned {
		op.d.releaseClient(op.service, v[1])
		op.finish(nil, ErrShutdown)
		return
	}
	op.finish(op.d.adoptClient(op.service, v[1]), nil)
}

func (op *leaseOp) onTimeout() {
	if op.done {
		return
	}
	log.Warn().Str("service", op.service.String()).Msg("client id request timed out")
	op.d.tr.drop(op.req)
	op.req = nil
	op.finish(nil, ErrTimeout)
}

func (op *leaseOp) finish(h *Handle, err error) {
	op.done = true
	op.timer.Stop()
	delete(op.d.leases, op)
	if op.orphaned {
		op.d.maybeShutdownComplete()
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("service", op.service.String()).Msg("client id lease failed")
	}
	op.fn(h, err)
}

// orphan fails the caller with ErrShutdown from an idle task. The request
// stays in flight so Shutdown can release whatever id the modem hands out.
func (op *leaseOp) orphan() {
	if op.done || op.orphaned {
		return
	}
	op.orphaned = true
	fn := op.fn
	op.d.l.Idle(func() { fn(nil, ErrShutdown) })
}

func (op *leaseOp) abort(err error) {
	if op.done {
		return
	}
	op.done = true
	op.timer.Stop()
	if op.orphaned {
		return
	}
	fn := op.fn
	op.d.l.Idle(func() { fn(nil, err) })
}

// adoptClient binds a leased client id to its family, creating the family
// on first use.
func (d *Device) adoptClient(svc schema.Service, clientID uint8) *Handle {
	if f := d.tr.families[familyKey(svc, clientID)]; f != nil {
		return f.newHandle()
	}
	f := &family{service: svc, clientID: clientID, release: d.releaseFamily}
	if info, ok := findService(d.services, svc); ok {
		f.major, f.minor = info.Major, info.Minor
	}
	d.tr.addFamily(f)
	log.Info().Str("service", svc.String()).Uint8("client", clientID).
		Uint16("major", f.major).Uint16("minor", f.minor).Msg("client id leased")
	return f.newHandle()
}

type releaseOp struct {
	d        *Device
	service  schema.Service
	clientID uint8
	req      *request
	timer    *loop.Timer
	done     bool
}

// releaseFamily issues RELEASE_CLIENT_ID for a family whose last handle was
// freed. Shutdown waits for every release to settle.
func (d *Device) releaseFamily(f *family) {
	if f.t == nil {
		return
	}
	d.releaseClient(f.service, f.clientID)
}

func (d *Device) releaseClient(svc schema.Service, clientID uint8) {
	if d.closed {
		return
	}
	payload, err := tlv.NewParam().Append(clientIDTLV, []byte{uint8(svc), clientID}).Take()
	if err != nil {
		return
	}
	op := &releaseOp{d: d, service: svc, clientID: clientID}
	req, err := d.sendControl(schema.CtlReleaseClientID, payload, releaseCompletion{op: op})
	if err != nil {
		log.Warn().Err(err).Str("service", svc.String()).Msg("release client id not sent")
		return
	}
	op.req = req
	op.timer = d.l.AfterFunc(d.cfg.ClientTimeout, op.onTimeout)
	d.releases[op] = struct{}{}
	log.Debug().Str("service", svc.String()).Uint8("client", clientID).Msg("releasing client id")
}

func (op *releaseOp) handleReply(res *Result) {
	if op.done {
		return
	}
	op.req = nil
	if err := res.Err(); err != nil {
		log.Warn().Err(err).Str("service", op.service.String()).Uint8("client", op.clientID).Msg("release client id rejected")
	}
	op.finish()
}

func (op *releaseOp) onTimeout() {
	if op.done {
		return
	}
	log.Warn().Str("service", op.service.String()).Uint8("client", op.clientID).Msg("release client id timed out")
	op.d.tr.drop(op.req)
	op.req = nil
	op.finish()
}

func (op *releaseOp) finish() {
	op.done = true
	op.timer.Stop()
	delete(op.d.releases, op)
	op.d.maybeShutdownComplete()
}

// Releasing is the number of RELEASE_CLIENT_ID requests still in flight.
func (d *Device) Releasing() int {
	return len(d.releases)
}

// Shutdown releases every leased client id, then runs fn from an idle task
// once all releases have settled. Handles still held by drivers become
// unusable. Leases still in flight fail with ErrShutdown; an id granted to
// one of them later is released before fn runs.
func (d *Device) Shutdown(fn func()) error {
	if d.closed {
		return ErrTransportClosed
	}
	if d.shuttingDown {
		return ErrBusy
	}
	if fn == nil {
		fn = func() {}
	}
	d.shuttingDown = true
	d.shutdownFn = fn

	for key, f := range d.tr.families {
		delete(d.tr.families, key)
		d.tr.cancelGroup(f.group)
		for _, n := range f.notes {
			n.removed = true
		}
		f.notes = nil
		if f.release != nil {
			f.release = nil
			d.releaseFamily(f)
		}
		f.t = nil
	}
	for op := range d.leases {
		op.orphan()
	}
	log.Info().Int("releasing", len(d.releases)).Int("leasing", len(d.leases)).Msg("qmux shutdown started")
	d.maybeShutdownComplete()
	return nil
}

func (d *Device) maybeShutdownComplete() {
	if !d.shuttingDown || len(d.releases) > 0 || len(d.leases) > 0 || d.shutdownFn == nil {
		return
	}
	fn := d.shutdownFn
	d.shutdownFn = nil
	log.Info().Msg("qmux shutdown complete")
	d.l.Idle(fn)
}
