package qmi

import (
	"github.com/danmuck/modemctl/internal/protocol/qrtr"
	"github.com/danmuck/modemctl/internal/protocol/schema"
)

// controlGroup is the group id of requests issued on the control service.
const controlGroup uint32 = 0

// completion is the closed set of ways a request can finish. Each variant
// carries its own typed state; request.complete dispatches on the variant.
type completion interface {
	isCompletion()
}

// replyCompletion hands the result to a driver callback.
type replyCompletion struct {
	fn ResultFunc
}

// leaseCompletion feeds a GET_CLIENT_ID reply into its lease operation.
type leaseCompletion struct {
	op *leaseOp
}

// discoveryCompletion feeds GET_VERSION_INFO and SYNC replies into discovery.
type discoveryCompletion struct {
	op *discoveryOp
}

// releaseCompletion accounts for one RELEASE_CLIENT_ID reply.
type releaseCompletion struct {
	op *releaseOp
}

func (replyCompletion) isCompletion()     {}
func (leaseCompletion) isCompletion()     {}
func (discoveryCompletion) isCompletion() {}
func (releaseCompletion) isCompletion()   {}

// request is one outstanding call. It lives in exactly one of the outbound
// queue or a sent table until it completes or is freed.
type request struct {
	txn     uint16
	group   uint32
	handle  uint32
	service schema.Service
	msgID   uint16
	buf     []byte
	addr    qrtr.Addr
	done    completion
	destroy func()
	freed   bool
}

func (r *request) complete(res *Result) {
	switch c := r.done.(type) {
	case replyCompletion:
		if c.fn != nil {
			c.fn(res)
		}
	case leaseCompletion:
		c.op.handleReply(res)
	case discoveryCompletion:
		c.op.handleReply(res)
	case releaseCompletion:
		c.op.handleReply(res)
	}
}

// free releases the request without invoking its completion. The destroy
// hook runs exactly once.
func (r *request) free() {
	if r.freed {
		return
	}
	r.freed = true
	r.buf = nil
	r.done = nil
	if r.destroy != nil {
		fn := r.destroy
		r.destroy = nil
		fn()
	}
}

// SendOption tunes a single Send call.
type SendOption func(*request)

// WithDestroy registers fn to run once when the request is released, whether
// it completed, was cancelled, or was dropped at teardown.
func WithDestroy(fn func()) SendOption {
	return func(r *request) {
		r.destroy = fn
	}
}

func removeRequest(list []*request, match func(*request) bool) ([]*request, *request) {
	for i, r := range list {
		if match(r) {
			copy(list[i:], list[i+1:])
			list[len(list)-1] = nil
			return list[:len(list)-1], r
		}
	}
	return list, nil
}

func removeRequests(list []*request, match func(*request) bool) ([]*request, []*request) {
	var removed []*request
	kept := list[:0]
	for _, r := range list {
		if match(r) {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(list); i++ {
		list[i] = nil
	}
	return kept, removed
}
