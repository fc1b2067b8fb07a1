package qmi

import (
	"time"

	"github.com/danmuck/modemctl/internal/loop"
	"github.com/danmuck/modemctl/internal/observability"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

type discoveryState int

const (
	discoveryIdle discoveryState = iota
	discoveryAwaitingVersionInfo
	discoveryAwaitingSync
	discoveryBackoff
	discoveryDone
)

func (s discoveryState) String() string {
	switch s {
	case discoveryIdle:
		return "idle"
	case discoveryAwaitingVersionInfo:
		return "awaiting-version-info"
	case discoveryAwaitingSync:
		return "awaiting-sync"
	case discoveryBackoff:
		return "backoff"
	case discoveryDone:
		return "done"
	default:
		return "unknown"
	}
}

// syncMinVersion is the first control service version that understands SYNC.
const (
	syncMinMajor uint16 = 1
	syncMinMinor uint16 = 5
)

// discoveryOp walks GET_VERSION_INFO, an optional SYNC, and the bounded
// retry on an empty service list. Its callback fires exactly once.
type discoveryOp struct {
	d       *Device
	state   discoveryState
	attempt int
	req     *request
	timer   *loop.Timer
	fn      func(error)
	started time.Time
}

// Discover queries the modem's service list. fn runs exactly once with nil,
// ErrTimeout, ErrNoServices, a result error, or ErrTransportClosed.
func (d *Device) Discover(fn func(error)) error {
	switch {
	case d.closed:
		return ErrTransportClosed
	case d.shuttingDown:
		return ErrShutdown
	case d.discovery != nil:
		return ErrBusy
	}
	op := &discoveryOp{d: d, fn: fn, started: time.Now()}
	d.discovery = op
	if err := op.sendVersionInfo(); err != nil {
		d.discovery = nil
		return err
	}
	return nil
}

func (op *discoveryOp) sendVersionInfo() error {
	op.attempt++
	req, err := op.d.sendControl(schema.CtlGetVersionInfo, nil, discoveryCompletion{op: op})
	if err != nil {
		return err
	}
	op.req = req
	op.state = discoveryAwaitingVersionInfo
	op.arm(op.d.cfg.DiscoverTimeout)
	return nil
}

func (op *discoveryOp) arm(d time.Duration) {
	if op.timer == nil {
		op.timer = op.d.l.AfterFunc(d, op.onTimer)
		return
	}
	op.timer.Reset(d)
}

func (op *discoveryOp) handleReply(res *Result) {
	if op.state == discoveryDone {
		return
	}
	op.req = nil
	switch op.state {
	case discoveryAwaitingVersionInfo:
		op.handleVersionInfo(res)
	case discoveryAwaitingSync:
		if err := res.Err(); err != nil {
			log.Warn().Err(err).Msg("control sync rejected")
		}
		op.finish(nil)
	}
}

func (op *discoveryOp) handleVersionInfo(res *Result) {
	d := op.d
	if err := res.Err(); err != nil {
		op.finish(err)
		return
	}

	var services []ServiceInfo
	var ctlMajor, ctlMinor uint16
	if v, ok := res.Get(versionListTLV); ok {
		for _, s := range parseVersionList(v) {
			if s.Type == schema.ServiceControl {
				ctlMajor, ctlMinor = s.Major, s.Minor
				continue
			}
			services = append(services, s)
		}
	}

	if len(services) == 0 {
		if op.attempt < d.cfg.DiscoverAttempts {
			delay := NextBackoffDelay(d.cfg.Backoff, op.attempt, nil)
			log.Warn().Int("attempt", op.attempt).Dur("retry_in", delay).Msg("modem reported no services; retrying discovery")
			op.state = discoveryBackoff
			op.arm(delay)
			return
		}
		op.finish(ErrNoServices)
		return
	}

	d.services = services
	d.ctlMajor, d.ctlMinor = ctlMajor, ctlMinor
	if v, ok := res.Get(versionStringTLV); ok {
		if s, ok := parseVersionString(v); ok {
			d.versionString = s
		}
	}
	for _, s := range services {
		log.Debug().Str("service", s.Type.String()).Uint16("major", s.Major).Uint16("minor", s.Minor).Msg("discovered service")
	}

	if ctlMajor > syncMinMajor || (ctlMajor == syncMinMajor && ctlMinor >= syncMinMinor) {
		req, err := d.sendControl(schema.CtlSync, nil, discoveryCompletion{op: op})
		if err != nil {
			op.finish(nil)
			return
		}
		op.req = req
		op.state = discoveryAwaitingSync
		op.arm(d.cfg.DiscoverTimeout)
		return
	}
	op.finish(nil)
}

func (op *discoveryOp) onTimer() {
	switch op.state {
	case discoveryBackoff:
		if err := op.sendVersionInfo(); err != nil {
			op.finish(err)
		}
	case discoveryAwaitingVersionInfo:
		log.Warn().Dur("timeout", op.d.cfg.DiscoverTimeout).Msg("discovery timed out")
		op.d.tr.drop(op.req)
		op.req = nil
		op.finish(ErrTimeout)
	case discoveryAwaitingSync:
		// The service list is already valid.
		log.Warn().Msg("control sync timed out")
		op.d.tr.drop(op.req)
		op.req = nil
		op.finish(nil)
	}
}

func (op *discoveryOp) finish(err error) {
	if op.state == discoveryDone {
		return
	}
	op.state = discoveryDone
	if op.timer != nil {
		op.timer.Stop()
	}
	d := op.d
	if d.discovery == op {
		d.discovery = nil
	}
	if err == nil {
		d.discovered = true
		log.Info().Int("services", len(d.services)).Uint16("ctl_major", d.ctlMajor).
			Uint16("ctl_minor", d.ctlMinor).Str("version", d.versionString).Msg("discovery complete")
	} else {
		log.Warn().Err(err).Int("attempts", op.attempt).Msg("discovery failed")
	}
	observability.RecordDiscovery(qmuxKind, err, time.Since(op.started))
	op.fn(err)
}

// abort ends the operation from Close. The callback is deferred to an idle
// task so it never runs inside the caller's frame.
func (op *discoveryOp) abort(err error) {
	if op.state == discoveryDone {
		return
	}
	op.state = discoveryDone
	if op.timer != nil {
		op.timer.Stop()
	}
	observability.RecordDiscovery(qmuxKind, err, time.Since(op.started))
	fn := op.fn
	op.d.l.Idle(func() { fn(err) })
}
