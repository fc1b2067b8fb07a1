//go:build !linux || 386

package ipcrouter

import "github.com/danmuck/modemctl/internal/protocol/qrtr"

type Conn struct{}

func Open() (*Conn, error) {
	return nil, ErrUnsupported
}

func (c *Conn) ReadFrom(p []byte) (int, qrtr.Addr, error) {
	return 0, qrtr.Addr{}, ErrUnsupported
}

func (c *Conn) WriteTo(p []byte, addr qrtr.Addr) (int, error) {
	return 0, ErrUnsupported
}

func (c *Conn) LocalAddr() (qrtr.Addr, error) {
	return qrtr.Addr{}, ErrUnsupported
}

func (c *Conn) Close() error {
	return nil
}
