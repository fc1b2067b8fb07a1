package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is type(1) + length(2, little-endian).
const HeaderLen = 3

// TypeResult is the reserved record carrying result(2) + error(2) in responses.
const TypeResult uint8 = 0x02

// ResultLen is the fixed value size of the result record.
const ResultLen = 4

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrValueTooLong     = errors.New("tlv: value too long")
)

// Field is one decoded TLV record. Value aliases the decoded buffer.
type Field struct {
	Type  uint8
	Value []byte
}

func EncodeField(f Field) ([]byte, error) {
	if len(f.Value) > 0xffff {
		return nil, fmt.Errorf("%w: type=0x%02x len=%d", ErrValueTooLong, f.Type, len(f.Value))
	}
	buf := make([]byte, HeaderLen+len(f.Value))
	buf[0] = f.Type
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(f.Value)))
	copy(buf[3:], f.Value)
	return buf, nil
}

// DecodeFields strictly decodes a record stream; any truncation is an error.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		typ := payload[i]
		l := int(binary.LittleEndian.Uint16(payload[i+1 : i+3]))
		i += HeaderLen
		if len(payload)-i < l {
			return nil, ErrShortFieldValue
		}
		fields = append(fields, Field{Type: typ, Value: payload[i : i+l]})
		i += l
	}
	return fields, nil
}

// Walk visits records in order until fn returns false or the stream runs
// out. A record whose declared length overruns the buffer ends the walk.
func Walk(payload []byte, fn func(Field) bool) {
	i := 0
	for len(payload)-i >= HeaderLen {
		typ := payload[i]
		l := int(binary.LittleEndian.Uint16(payload[i+1 : i+3]))
		i += HeaderLen
		if len(payload)-i < l {
			return
		}
		if !fn(Field{Type: typ, Value: payload[i : i+l]}) {
			return
		}
		i += l
	}
}

// Find returns the value of the first record of the given type.
func Find(payload []byte, typ uint8) ([]byte, bool) {
	var (
		out   []byte
		found bool
	)
	Walk(payload, func(f Field) bool {
		if f.Type == typ {
			out, found = f.Value, true
			return false
		}
		return true
	})
	return out, found
}

func Uint8(b []byte) (uint8, bool) {
	if len(b) < 1 {
		return 0, false
	}
	return b[0], true
}

func Uint16(b []byte) (uint16, bool) {
	if len(b) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

func Uint32(b []byte) (uint32, bool) {
	if len(b) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func Uint64(b []byte) (uint64, bool) {
	if len(b) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// DecodeResult splits a result record value into (result, error).
func DecodeResult(v []byte) (result, code uint16, err error) {
	if len(v) != ResultLen {
		return 0, 0, fmt.Errorf("tlv: invalid result length: %d", len(v))
	}
	return binary.LittleEndian.Uint16(v[0:2]), binary.LittleEndian.Uint16(v[2:4]), nil
}
