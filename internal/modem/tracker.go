package modem

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/modemctl/internal/protocol/schema"
)

var ErrNoRoom = errors.New("modem: too many pending calls")

// PendingCall tracks one blocking call awaiting its response.
type PendingCall struct {
	ID          uint64         `json:"id"`
	Service     schema.Service `json:"service"`
	MessageID   uint16         `json:"message_id"`
	Transaction uint16         `json:"txn"`
	QueuedAt    time.Time      `json:"queued_at"`
}

// Tracker is a fixed-capacity table of pending calls.
type Tracker struct {
	mu       sync.RWMutex
	capacity int
	next     uint64
	items    map[uint64]PendingCall
}

// NewTracker returns a tracker holding at most capacity calls. A capacity of
// zero or less means unbounded.
func NewTracker(capacity int) *Tracker {
	return &Tracker{
		capacity: capacity,
		items:    make(map[uint64]PendingCall),
	}
}

// Reserve stores call under a new id, or fails with ErrNoRoom when full.
func (t *Tracker) Reserve(call PendingCall) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.capacity > 0 && len(t.items) >= t.capacity {
		return 0, ErrNoRoom
	}
	t.next++
	call.ID = t.next
	if call.QueuedAt.IsZero() {
		call.QueuedAt = time.Now()
	}
	t.items[call.ID] = call
	return call.ID, nil
}

func (t *Tracker) SetTransaction(id uint64, txn uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[id]
	if !ok {
		return false
	}
	item.Transaction = txn
	t.items[id] = item
	return true
}

func (t *Tracker) Remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, id)
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Capacity reports the configured bound; zero means unbounded.
func (t *Tracker) Capacity() int {
	return t.capacity
}

func (t *Tracker) List() []PendingCall {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PendingCall, 0, len(t.items))
	for _, item := range t.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
