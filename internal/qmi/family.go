package qmi

import (
	"github.com/danmuck/modemctl/internal/observability"
	"github.com/danmuck/modemctl/internal/protocol/qrtr"
	"github.com/danmuck/modemctl/internal/protocol/schema"
)

// family is one leased client identity. Every Handle cloned from it shares
// its client id and its transport.
type family struct {
	// t is nil once the owning transport is gone.
	t        *transport
	group    uint32
	service  schema.Service
	clientID uint8
	major    uint16
	minor    uint16
	instance uint32
	addr     qrtr.Addr

	refs       int
	notes      []*notification
	nextNote   uint16
	nextHandle uint32

	// release runs once when the last handle is freed.
	release func(*family)
}

type notification struct {
	id      uint16
	handle  uint32
	msgID   uint16
	fn      ResultFunc
	removed bool
}

func (f *family) newHandle() *Handle {
	f.refs++
	f.nextHandle++
	return &Handle{fam: f, id: f.nextHandle}
}

func (f *family) unref() {
	f.refs--
	if f.refs > 0 {
		return
	}
	for _, n := range f.notes {
		n.removed = true
	}
	f.notes = nil
	if f.t != nil {
		f.t.removeFamily(f)
	}
	if f.release != nil {
		fn := f.release
		f.release = nil
		fn(f)
	}
	f.t = nil
}

func (f *family) register(handle uint32, msgID uint16, fn ResultFunc) uint16 {
	f.nextNote++
	if f.nextNote == 0 {
		f.nextNote = 1
	}
	f.notes = append(f.notes, &notification{id: f.nextNote, handle: handle, msgID: msgID, fn: fn})
	return f.nextNote
}

func (f *family) unregister(match func(*notification) bool) int {
	removed := 0
	kept := f.notes[:0]
	for _, n := range f.notes {
		if match(n) {
			n.removed = true
			removed++
			continue
		}
		kept = append(kept, n)
	}
	for i := len(kept); i < len(f.notes); i++ {
		f.notes[i] = nil
	}
	f.notes = kept
	return removed
}

// notify invokes every live registration for the message id. Callbacks may
// register or unregister while the walk is in progress.
func (f *family) notify(res *Result) {
	if len(f.notes) == 0 {
		return
	}
	snapshot := append([]*notification(nil), f.notes...)
	delivered := false
	for _, n := range snapshot {
		if n.removed || n.msgID != res.MessageID {
			continue
		}
		delivered = true
		n.fn(res)
	}
	if delivered && f.t != nil {
		observability.RecordIndication(f.t.kind, f.service.String())
	}
}
