package tlv

import (
	"encoding/binary"
)

// Param accumulates outbound TLV records for one request. A Param is consumed
// by the send call that takes it; reusing it afterwards yields an empty block.
type Param struct {
	buf []byte
	err error
}

func NewParam() *Param {
	return &Param{buf: make([]byte, 0, 64)}
}

// Append adds one record. The first encoding error sticks and is reported by Err.
func (p *Param) Append(typ uint8, value []byte) *Param {
	if p.err != nil {
		return p
	}
	rec, err := EncodeField(Field{Type: typ, Value: value})
	if err != nil {
		p.err = err
		return p
	}
	p.buf = append(p.buf, rec...)
	return p
}

func (p *Param) AppendUint8(typ uint8, v uint8) *Param {
	return p.Append(typ, []byte{v})
}

func (p *Param) AppendUint16(typ uint8, v uint16) *Param {
	return p.Append(typ, binary.LittleEndian.AppendUint16(nil, v))
}

func (p *Param) AppendUint32(typ uint8, v uint32) *Param {
	return p.Append(typ, binary.LittleEndian.AppendUint32(nil, v))
}

func (p *Param) AppendUint64(typ uint8, v uint64) *Param {
	return p.Append(typ, binary.LittleEndian.AppendUint64(nil, v))
}

// AppendString stores the raw bytes of s without a terminator.
func (p *Param) AppendString(typ uint8, s string) *Param {
	return p.Append(typ, []byte(s))
}

func (p *Param) Err() error {
	if p == nil {
		return nil
	}
	return p.err
}

func (p *Param) Len() int {
	if p == nil {
		return 0
	}
	return len(p.buf)
}

// Take returns the encoded block and empties the builder.
func (p *Param) Take() ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	buf, err := p.buf, p.err
	p.buf, p.err = nil, nil
	return buf, err
}
