package qmi

import (
	"errors"
	"fmt"

	"github.com/danmuck/modemctl/internal/protocol/schema"
)

var (
	ErrTransportClosed  = errors.New("qmi: transport closed")
	ErrTimeout          = errors.New("qmi: timed out")
	ErrServiceNotFound  = errors.New("qmi: service not found")
	ErrNoServices       = errors.New("qmi: no services discovered")
	ErrBusy             = errors.New("qmi: operation already in progress")
	ErrShutdown         = errors.New("qmi: device shutting down")
	ErrHandleFreed      = errors.New("qmi: service handle freed")
	ErrMalformedResult  = errors.New("qmi: malformed result")
	ErrUnexpectedClient = errors.New("qmi: client id reply for another service")
)

// ResultError is a well-formed response whose result record reports failure.
type ResultError struct {
	Result uint16
	Code   uint16
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("qmi: result=%d error=%s", e.Result, schema.ErrorName(e.Code))
}

// IsResultCode reports whether err is a ResultError carrying code.
func IsResultCode(err error, code uint16) bool {
	var re *ResultError
	return errors.As(err, &re) && re.Code == code
}
