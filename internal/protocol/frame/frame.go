package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/modemctl/internal/protocol/schema"
)

const (
	Marker byte = 0x01

	FlagFromHost    byte = 0x00
	FlagFromService byte = 0x80

	// ClientBroadcast addresses every client of a service type.
	ClientBroadcast uint8 = 0xff

	QMUXHeaderLen    = 6 // marker, length(2), flags, service, client
	ControlHeaderLen = 2 // type, transaction(1)
	ServiceHeaderLen = 3 // type, transaction(2)
	MessageHeaderLen = 4 // message id(2), payload length(2)
)

// Control header message types.
const (
	ControlRequest    uint8 = 0x00
	ControlResponse   uint8 = 0x01
	ControlIndication uint8 = 0x02
)

// Service header message types.
const (
	ServiceRequest    uint8 = 0x00
	ServiceResponse   uint8 = 0x02
	ServiceIndication uint8 = 0x04
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrBadMarker       = errors.New("frame: bad marker")
	ErrLengthMismatch  = errors.New("frame: declared length does not fit the buffer")
	ErrPayloadOverrun  = errors.New("frame: payload length overruns frame")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Message is one decoded QMI message plus the addressing that carried it.
// Service and ClientID are zero for packet transports, where the sender
// address supplies them instead.
type Message struct {
	Service     schema.Service
	ClientID    uint8
	Flags       byte
	Type        uint8
	Transaction uint16
	MessageID   uint16
	TLVs        []byte
}

func (m Message) IsControl() bool {
	return m.Service == schema.ServiceControl
}

func (m Message) IsIndication() bool {
	if m.IsControl() {
		return m.Type == ControlIndication
	}
	return m.Type == ServiceIndication
}

func (m Message) IsResponse() bool {
	if m.IsControl() {
		return m.Type == ControlResponse
	}
	return m.Type == ServiceResponse
}

func subHeaderLen(s schema.Service) int {
	if s == schema.ServiceControl {
		return ControlHeaderLen
	}
	return ServiceHeaderLen
}

// EncodeQMUX produces outer header + control/service header + message header + TLVs.
func EncodeQMUX(m Message) ([]byte, error) {
	sub := subHeaderLen(m.Service)
	total := QMUXHeaderLen + sub + MessageHeaderLen + len(m.TLVs)
	if total-1 > 0xffff {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(m.TLVs))
	}
	buf := make([]byte, total)
	buf[0] = Marker
	binary.LittleEndian.PutUint16(buf[1:3], uint16(total-1))
	buf[3] = m.Flags
	buf[4] = uint8(m.Service)
	buf[5] = m.ClientID
	putSubHeader(buf[QMUXHeaderLen:], m)
	return buf, nil
}

// EncodeService produces a message that starts at the service header, as
// carried by IPC-router datagrams.
func EncodeService(m Message) ([]byte, error) {
	if len(m.TLVs) > 0xffff {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(m.TLVs))
	}
	buf := make([]byte, ServiceHeaderLen+MessageHeaderLen+len(m.TLVs))
	m.Service = 0xff // force the 2-byte transaction layout
	putSubHeader(buf, m)
	return buf, nil
}

func putSubHeader(buf []byte, m Message) {
	i := 0
	buf[i] = m.Type
	i++
	if m.Service == schema.ServiceControl {
		buf[i] = uint8(m.Transaction)
		i++
	} else {
		binary.LittleEndian.PutUint16(buf[i:], m.Transaction)
		i += 2
	}
	binary.LittleEndian.PutUint16(buf[i:], m.MessageID)
	binary.LittleEndian.PutUint16(buf[i+2:], uint16(len(m.TLVs)))
	copy(buf[i+MessageHeaderLen:], m.TLVs)
}

// DecodeQMUX decodes the frame at the start of b and returns the bytes it
// occupied. TLVs alias b.
func DecodeQMUX(b []byte) (Message, int, error) {
	if len(b) < QMUXHeaderLen {
		return Message{}, 0, ErrShortHeader
	}
	if b[0] != Marker {
		return Message{}, 0, fmt.Errorf("%w: 0x%02x", ErrBadMarker, b[0])
	}
	size := int(binary.LittleEndian.Uint16(b[1:3])) + 1
	if size < QMUXHeaderLen {
		return Message{}, 0, fmt.Errorf("%w: declared=%d below header", ErrLengthMismatch, size)
	}
	if size > len(b) {
		return Message{}, 0, fmt.Errorf("%w: declared=%d available=%d", ErrLengthMismatch, size, len(b))
	}
	m := Message{
		Flags:    b[3],
		Service:  schema.Service(b[4]),
		ClientID: b[5],
	}
	if err := decodeSubHeader(b[QMUXHeaderLen:size], &m); err != nil {
		return Message{}, size, err
	}
	return m, size, nil
}

// DecodeService decodes a datagram that starts at the service header.
func DecodeService(b []byte) (Message, error) {
	m := Message{Service: 0xff}
	if err := decodeSubHeader(b, &m); err != nil {
		return Message{}, err
	}
	m.Service = 0
	return m, nil
}

func decodeSubHeader(b []byte, m *Message) error {
	sub := subHeaderLen(m.Service)
	if len(b) < sub+MessageHeaderLen {
		return ErrShortHeader
	}
	m.Type = b[0]
	if m.Service == schema.ServiceControl {
		m.Transaction = uint16(b[1])
	} else {
		m.Transaction = binary.LittleEndian.Uint16(b[1:3])
	}
	m.MessageID = binary.LittleEndian.Uint16(b[sub:])
	l := int(binary.LittleEndian.Uint16(b[sub+2:]))
	body := b[sub+MessageHeaderLen:]
	if l > len(body) {
		return fmt.Errorf("%w: declared=%d available=%d", ErrPayloadOverrun, l, len(body))
	}
	m.TLVs = body[:l]
	return nil
}

// Split decodes every complete frame in one read chunk. A frame whose
// declared length is not fully present ends the chunk; the caller resumes
// framing at the next read. Frames that are complete but internally
// inconsistent are reported to bad and skipped.
func Split(chunk []byte, good func(Message), bad func(error)) {
	off := 0
	for len(chunk)-off >= QMUXHeaderLen {
		m, n, err := DecodeQMUX(chunk[off:])
		if n == 0 {
			if bad != nil {
				bad(err)
			}
			return
		}
		off += n
		if err != nil {
			if bad != nil {
				bad(err)
			}
			continue
		}
		good(m)
	}
	if off < len(chunk) && bad != nil {
		bad(fmt.Errorf("%w: %d trailing bytes", ErrShortHeader, len(chunk)-off))
	}
}
