package qmi

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/modemctl/internal/loop"
	"github.com/danmuck/modemctl/internal/observability"
	"github.com/danmuck/modemctl/internal/protocol/frame"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/rs/zerolog/log"
)

var errTxnExhausted = errors.New("qmi: no free transaction id")

// Transaction id bases. QMUX service transactions start above the 8-bit
// control space so the two never collide.
const (
	qmuxTxnBase uint16 = 256
	qrtrTxnBase uint16 = 1
)

type writeFunc func(r *request) error
type encodeFunc func(m frame.Message) ([]byte, error)

// transport moves encoded requests to one endpoint and correlates what comes
// back. It is only touched from the loop goroutine.
type transport struct {
	l      *loop.Loop
	kind   string
	write  writeFunc
	encode encodeFunc

	control []*request
	queue   []*request
	sent    []*request
	writing bool
	closed  bool

	families  map[uint32]*family
	nextGroup uint32
	txnBase   uint16
	nextTxn   uint16

	onControlIndication func(frame.Message)
	debug               func(string)
}

func newTransport(l *loop.Loop, kind string, txnBase uint16, write writeFunc, encode encodeFunc) *transport {
	return &transport{
		l:         l,
		kind:      kind,
		write:     write,
		encode:    encode,
		families:  make(map[uint32]*family),
		nextGroup: 1,
		txnBase:   txnBase,
		nextTxn:   txnBase,
	}
}

func familyKey(service schema.Service, clientID uint8) uint32 {
	return uint32(service)<<8 | uint32(clientID)
}

func (t *transport) submit(r *request) {
	t.queue = append(t.queue, r)
	t.armWrite()
}

// submitControl queues r ahead of service traffic.
func (t *transport) submitControl(r *request) {
	t.control = append(t.control, r)
	t.armWrite()
}

func (t *transport) armWrite() {
	t.recordInflight()
	if t.writing || t.closed {
		return
	}
	t.writing = true
	t.l.Post(t.onWritable)
}

// onWritable writes exactly one request, then re-arms itself while anything
// is still queued.
func (t *transport) onWritable() {
	if t.closed {
		t.writing = false
		return
	}
	var r *request
	switch {
	case len(t.control) > 0:
		r = t.control[0]
		t.control[0] = nil
		t.control = t.control[1:]
	case len(t.queue) > 0:
		r = t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
	}
	if r != nil {
		t.hexdump('>', r.buf)
		if err := t.write(r); err != nil {
			log.Warn().Err(err).Str("transport", t.kind).Str("service", r.service.String()).
				Uint16("txn", r.txn).Msg("write failed; dropping request")
			observability.RecordFrameDropped(t.kind, "write")
			r.free()
		} else {
			observability.RecordFrameWritten(t.kind)
			t.sent = append(t.sent, r)
		}
	}
	if len(t.control) > 0 || len(t.queue) > 0 {
		t.l.Post(t.onWritable)
	} else {
		t.writing = false
	}
	t.recordInflight()
}

// allocTxn returns the next free 16-bit service transaction id. Ids wrap
// back to the base and skip any still held by an outstanding request.
func (t *transport) allocTxn() (uint16, error) {
	span := 0x10000 - int(t.txnBase)
	for i := 0; i < span; i++ {
		txn := t.nextTxn
		t.nextTxn++
		if t.nextTxn == 0 || t.nextTxn < t.txnBase {
			t.nextTxn = t.txnBase
		}
		if !t.txnInUse(txn, false) {
			return txn, nil
		}
	}
	return 0, errTxnExhausted
}

func (t *transport) txnInUse(txn uint16, control bool) bool {
	match := func(r *request) bool {
		return r.txn == txn && (r.group == controlGroup) == control
	}
	for _, list := range [][]*request{t.control, t.queue, t.sent} {
		for _, r := range list {
			if match(r) {
				return true
			}
		}
	}
	return false
}

// handleMessage dispatches one decoded inbound message.
func (t *transport) handleMessage(m frame.Message) {
	if t.closed {
		return
	}
	observability.RecordFrameRead(t.kind)
	if m.IsIndication() {
		if m.IsControl() {
			if t.onControlIndication != nil {
				t.onControlIndication(m)
			}
			return
		}
		t.routeIndication(m)
		return
	}
	if !m.IsResponse() {
		log.Debug().Str("transport", t.kind).Uint8("type", m.Type).Msg("ignoring non-response message")
		return
	}

	var r *request
	t.sent, r = removeRequest(t.sent, func(r *request) bool {
		if m.IsControl() {
			return r.group == controlGroup && r.txn == m.Transaction
		}
		return r.group != controlGroup && r.txn == m.Transaction && r.service == m.Service
	})
	t.recordInflight()
	if r == nil {
		log.Debug().Str("transport", t.kind).Str("service", m.Service.String()).
			Uint16("txn", m.Transaction).Msg("response without pending request")
		observability.RecordFrameDropped(t.kind, "unmatched")
		return
	}
	r.complete(newResult(m))
	r.free()
}

// routeIndication delivers to one family, or to every family of the service
// type when the client id is the broadcast value.
func (t *transport) routeIndication(m frame.Message) {
	res := newResult(m)
	if m.ClientID != frame.ClientBroadcast {
		if f := t.families[familyKey(m.Service, m.ClientID)]; f != nil {
			f.notify(res)
		}
		return
	}
	var targets []*family
	for _, f := range t.families {
		if f.service == m.Service {
			targets = append(targets, f)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].group < targets[j].group })
	for _, f := range targets {
		f.notify(res)
	}
}

// cancel removes the request matched by txn within (group, handle) from
// whichever queue holds it, without invoking its completion.
func (t *transport) cancel(group, handle uint32, txn uint16) bool {
	match := func(r *request) bool {
		return r.txn == txn && r.group == group && r.handle == handle
	}
	var r *request
	if t.queue, r = removeRequest(t.queue, match); r == nil {
		t.sent, r = removeRequest(t.sent, match)
	}
	if r == nil {
		return false
	}
	r.free()
	t.recordInflight()
	return true
}

func (t *transport) cancelAll(group, handle uint32) int {
	match := func(r *request) bool {
		return r.group == group && r.handle == handle
	}
	var fromQueue, fromSent []*request
	t.queue, fromQueue = removeRequests(t.queue, match)
	t.sent, fromSent = removeRequests(t.sent, match)
	for _, r := range fromQueue {
		r.free()
	}
	for _, r := range fromSent {
		r.free()
	}
	t.recordInflight()
	return len(fromQueue) + len(fromSent)
}

// cancelGroup frees every request of a family.
func (t *transport) cancelGroup(group uint32) {
	match := func(r *request) bool { return r.group == group }
	var fromQueue, fromSent []*request
	t.queue, fromQueue = removeRequests(t.queue, match)
	t.sent, fromSent = removeRequests(t.sent, match)
	for _, r := range append(fromQueue, fromSent...) {
		r.free()
	}
	t.recordInflight()
}

// drop removes a specific request from whichever queue holds it.
func (t *transport) drop(target *request) bool {
	if target == nil {
		return false
	}
	match := func(r *request) bool { return r == target }
	var r *request
	if t.control, r = removeRequest(t.control, match); r == nil {
		if t.queue, r = removeRequest(t.queue, match); r == nil {
			t.sent, r = removeRequest(t.sent, match)
		}
	}
	if r == nil {
		return false
	}
	r.free()
	t.recordInflight()
	return true
}

func (t *transport) addFamily(f *family) {
	f.t = t
	f.group = t.nextGroup
	t.nextGroup++
	t.families[familyKey(f.service, f.clientID)] = f
}

func (t *transport) removeFamily(f *family) {
	key := familyKey(f.service, f.clientID)
	if t.families[key] == f {
		delete(t.families, key)
	}
}

func (t *transport) familyByService(service schema.Service) *family {
	var best *family
	for _, f := range t.families {
		if f.service != service {
			continue
		}
		if best == nil || f.group < best.group {
			best = f
		}
	}
	return best
}

// teardown frees every request without callbacks and detaches every family.
func (t *transport) teardown() {
	if t.closed {
		return
	}
	t.closed = true
	for _, list := range [][]*request{t.control, t.queue, t.sent} {
		for _, r := range list {
			r.free()
		}
	}
	t.control, t.queue, t.sent = nil, nil, nil
	for key, f := range t.families {
		f.t = nil
		delete(t.families, key)
	}
	t.recordInflight()
}

func (t *transport) pending() int {
	return len(t.control) + len(t.queue) + len(t.sent)
}

func (t *transport) recordInflight() {
	observability.SetRequestsInflight(t.kind, t.pending())
}

func (t *transport) hexdump(dir byte, b []byte) {
	if t.debug != nil {
		t.debug(fmt.Sprintf("%c %s", dir, hex.EncodeToString(b)))
	}
	if e := log.Trace(); e.Enabled() {
		e.Str("transport", t.kind).Str("dir", string(dir)).Hex("frame", b).Msg("frame")
	}
}
