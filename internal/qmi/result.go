package qmi

import (
	"github.com/danmuck/modemctl/internal/protocol/frame"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/danmuck/modemctl/internal/protocol/tlv"
)

// ResultFunc receives a response or indication. The Result and the byte
// slices it hands out are only valid for the duration of the call; use
// Clone to keep them.
type ResultFunc func(*Result)

// Result is one decoded response or indication.
type Result struct {
	Service     schema.Service
	ClientID    uint8
	MessageID   uint16
	Transaction uint16
	Indication  bool
	tlvs        []byte
}

func newResult(m frame.Message) *Result {
	return &Result{
		Service:     m.Service,
		ClientID:    m.ClientID,
		MessageID:   m.MessageID,
		Transaction: m.Transaction,
		Indication:  m.IsIndication(),
		tlvs:        m.TLVs,
	}
}

// Err decodes the result record. Indications carry none and report nil.
// A missing or mis-sized record yields ErrMalformedResult.
func (r *Result) Err() error {
	if r.Indication {
		return nil
	}
	v, ok := tlv.Find(r.tlvs, tlv.TypeResult)
	if !ok {
		return ErrMalformedResult
	}
	result, code, err := tlv.DecodeResult(v)
	if err != nil {
		return ErrMalformedResult
	}
	if result == 0 {
		return nil
	}
	return &ResultError{Result: result, Code: code}
}

// Get returns the raw value of the first record of type typ.
func (r *Result) Get(typ uint8) ([]byte, bool) {
	return tlv.Find(r.tlvs, typ)
}

func (r *Result) GetUint8(typ uint8) (uint8, bool) {
	v, ok := r.Get(typ)
	if !ok {
		return 0, false
	}
	return tlv.Uint8(v)
}

func (r *Result) GetUint16(typ uint8) (uint16, bool) {
	v, ok := r.Get(typ)
	if !ok {
		return 0, false
	}
	return tlv.Uint16(v)
}

func (r *Result) GetUint32(typ uint8) (uint32, bool) {
	v, ok := r.Get(typ)
	if !ok {
		return 0, false
	}
	return tlv.Uint32(v)
}

func (r *Result) GetUint64(typ uint8) (uint64, bool) {
	v, ok := r.Get(typ)
	if !ok {
		return 0, false
	}
	return tlv.Uint64(v)
}

func (r *Result) GetString(typ uint8) (string, bool) {
	v, ok := r.Get(typ)
	if !ok {
		return "", false
	}
	return string(v), true
}

// TLVs exposes the raw record stream.
func (r *Result) TLVs() []byte {
	return r.tlvs
}

// Fields strictly decodes the record stream; a truncated record is an error.
func (r *Result) Fields() ([]tlv.Field, error) {
	return tlv.DecodeFields(r.tlvs)
}

// Clone copies the result so it can outlive the callback.
func (r *Result) Clone() *Result {
	out := *r
	out.tlvs = append([]byte(nil), r.tlvs...)
	return &out
}
