package modem

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/modemctl/internal/protocol/frame"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/danmuck/modemctl/internal/protocol/tlv"
)

// simModem is a QMUX peer that answers control requests and echoes service
// requests. Requests for message ids in hold are left unanswered.
type simModem struct {
	toHost    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	nextCID   atomic.Uint32
	released  atomic.Int32
	hold      map[uint16]bool
	mu        sync.Mutex
}

func newSimModem(hold ...uint16) *simModem {
	s := &simModem{
		toHost: make(chan []byte, 64),
		closed: make(chan struct{}),
		hold:   make(map[uint16]bool),
	}
	for _, id := range hold {
		s.hold[id] = true
	}
	return s
}

func (s *simModem) Read(p []byte) (int, error) {
	select {
	case b := <-s.toHost:
		return copy(p, b), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *simModem) Write(p []byte) (int, error) {
	m, _, err := frame.DecodeQMUX(p)
	if err != nil {
		return len(p), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if reply, ok := s.answer(m); ok {
		b, err := frame.EncodeQMUX(reply)
		if err == nil {
			s.toHost <- b
		}
	}
	return len(p), nil
}

func (s *simModem) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func okParam() *tlv.Param {
	return tlv.NewParam().Append(tlv.TypeResult, []byte{0, 0, 0, 0})
}

func (s *simModem) answer(m frame.Message) (frame.Message, bool) {
	reply := frame.Message{
		Service:     m.Service,
		ClientID:    m.ClientID,
		Flags:       frame.FlagFromService,
		Transaction: m.Transaction,
		MessageID:   m.MessageID,
	}
	if m.IsControl() {
		reply.Type = frame.ControlResponse
		var p *tlv.Param
		switch m.MessageID {
		case schema.CtlGetVersionInfo:
			p = okParam().Append(0x01, []byte{3,
				byte(schema.ServiceControl), 1, 0, 2, 0,
				byte(schema.ServiceWDS), 1, 0, 12, 0,
				byte(schema.ServiceNAS), 1, 0, 25, 0,
			})
		case schema.CtlGetClientID:
			v, _ := tlv.Find(m.TLVs, 0x01)
			cid := uint8(s.nextCID.Add(1))
			p = okParam().Append(0x01, []byte{v[0], cid})
		case schema.CtlReleaseClientID:
			s.released.Add(1)
			v, _ := tlv.Find(m.TLVs, 0x01)
			p = okParam().Append(0x01, v)
		default:
			p = okParam()
		}
		reply.TLVs, _ = p.Take()
		return reply, true
	}
	if s.hold[m.MessageID] {
		return frame.Message{}, false
	}
	reply.Type = frame.ServiceResponse
	reply.TLVs, _ = okParam().Append(0x10, m.TLVs).Take()
	return reply, true
}
