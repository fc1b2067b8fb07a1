package qmi

import (
	"errors"
	"io"
	"os"

	"github.com/danmuck/modemctl/internal/loop"
	"github.com/danmuck/modemctl/internal/observability"
	"github.com/danmuck/modemctl/internal/protocol/frame"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/danmuck/modemctl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

const qmuxKind = "qmux"

// Device drives one QMUX character device: a shared transport for every
// leased service, plus the control-service queue used for discovery and
// client-id leasing.
type Device struct {
	l   *loop.Loop
	cfg Config
	rwc io.ReadWriteCloser
	tr  *transport

	nextCtlTxn uint8

	discovered    bool
	services      []ServiceInfo
	ctlMajor      uint16
	ctlMinor      uint16
	versionString string

	discovery *discoveryOp
	leases    map[*leaseOp]struct{}
	releases  map[*releaseOp]struct{}

	shuttingDown bool
	shutdownFn   func()
	closed       bool
}

// OpenQMUX opens the character device at path and starts reading it.
func OpenQMUX(l *loop.Loop, path string, cfg Config) (*Device, error) {
	f, err := openCharDevice(path)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Msg("qmux device opened")
	return NewDevice(l, f, cfg), nil
}

// NewDevice wraps an already open stream endpoint. The device owns rwc and
// closes it on Close.
func NewDevice(l *loop.Loop, rwc io.ReadWriteCloser, cfg Config) *Device {
	d := &Device{
		l:          l,
		cfg:        cfg.withDefaults(),
		rwc:        rwc,
		nextCtlTxn: 1,
		leases:     make(map[*leaseOp]struct{}),
		releases:   make(map[*releaseOp]struct{}),
	}
	d.tr = newTransport(l, qmuxKind, qmuxTxnBase,
		func(r *request) error {
			_, err := rwc.Write(r.buf)
			return err
		},
		frame.EncodeQMUX,
	)
	d.tr.onControlIndication = d.handleControlIndication
	go d.readLoop()
	return d
}

// SetDebug installs a hook receiving a hex dump of every frame.
func (d *Device) SetDebug(fn func(string)) {
	d.tr.debug = fn
}

func (d *Device) readLoop() {
	buf := make([]byte, d.cfg.ReadBufferSize)
	for {
		n, err := d.rwc.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if !d.l.Post(func() { d.handleChunk(chunk) }) {
				return
			}
		}
		if err != nil {
			d.l.Post(func() { d.handleReadError(err) })
			return
		}
	}
}

func (d *Device) handleChunk(chunk []byte) {
	if d.closed {
		return
	}
	d.tr.hexdump('<', chunk)
	frame.Split(chunk,
		d.tr.handleMessage,
		func(err error) {
			log.Warn().Err(err).Int("len", len(chunk)).Msg("dropping malformed qmux data")
			observability.RecordFrameDropped(qmuxKind, "malformed")
		},
	)
}

func (d *Device) handleReadError(err error) {
	if d.closed {
		return
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		log.Info().Msg("qmux device hung up")
	} else {
		log.Error().Err(err).Msg("qmux read failed")
	}
	d.Close()
}

func (d *Device) handleControlIndication(m frame.Message) {
	ev := log.Info().Str("msg", schema.ControlMessageName(m.MessageID))
	if v, ok := tlv.Find(m.TLVs, 0x01); ok && len(v) >= 2 {
		ev = ev.Str("service", schema.Service(v[0]).String()).Uint8("client", v[1])
		_, known := d.tr.families[familyKey(schema.Service(v[0]), v[1])]
		ev = ev.Bool("leased", known)
	}
	ev.Msg("control indication")
}

// nextControlTxn returns the next free 8-bit control transaction id. Ids
// wrap from 255 back to 1 and never use 0.
func (d *Device) nextControlTxn() uint8 {
	for i := 0; i < 255; i++ {
		txn := d.nextCtlTxn
		d.nextCtlTxn++
		if d.nextCtlTxn == 0 {
			d.nextCtlTxn = 1
		}
		if !d.tr.txnInUse(uint16(txn), true) {
			return txn
		}
	}
	txn := d.nextCtlTxn
	d.nextCtlTxn++
	if d.nextCtlTxn == 0 {
		d.nextCtlTxn = 1
	}
	return txn
}

// sendControl queues a request on the control service.
func (d *Device) sendControl(msgID uint16, payload []byte, done completion) (*request, error) {
	txn := d.nextControlTxn()
	buf, err := frame.EncodeQMUX(frame.Message{
		Service:     schema.ServiceControl,
		Flags:       frame.FlagFromHost,
		Type:        frame.ControlRequest,
		Transaction: uint16(txn),
		MessageID:   msgID,
		TLVs:        payload,
	})
	if err != nil {
		return nil, err
	}
	r := &request{
		txn:     uint16(txn),
		group:   controlGroup,
		service: schema.ServiceControl,
		msgID:   msgID,
		buf:     buf,
		done:    done,
	}
	log.Debug().Str("msg", schema.ControlMessageName(msgID)).Uint8("txn", txn).Msg("control request")
	d.tr.submitControl(r)
	return r, nil
}

// Services returns the services reported by discovery.
func (d *Device) Services() []ServiceInfo {
	return append([]ServiceInfo(nil), d.services...)
}

// Discovered reports whether discovery has completed successfully.
func (d *Device) Discovered() bool {
	return d.discovered
}

// ControlVersion is the control service's own version from discovery.
func (d *Device) ControlVersion() (major, minor uint16) {
	return d.ctlMajor, d.ctlMinor
}

// VersionString is the optional firmware version string from discovery.
func (d *Device) VersionString() string {
	return d.versionString
}

// HasService reports whether discovery listed svc.
func (d *Device) HasService(svc schema.Service) bool {
	_, ok := findService(d.services, svc)
	return ok
}

// Close tears the device down immediately. Pending discovery and lease
// operations fail with ErrTransportClosed from an idle callback; a pending
// Shutdown completes. Close is idempotent.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if op := d.discovery; op != nil {
		d.discovery = nil
		op.abort(ErrTransportClosed)
	}
	for op := range d.leases {
		delete(d.leases, op)
		op.abort(ErrTransportClosed)
	}
	for op := range d.releases {
		delete(d.releases, op)
		op.timer.Stop()
	}
	d.tr.teardown()
	if fn := d.shutdownFn; fn != nil {
		d.shutdownFn = nil
		d.l.Idle(fn)
	}
	err := d.rwc.Close()
	log.Info().Msg("qmux device closed")
	return err
}
