//go:build linux && !386

package ipcrouter

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/danmuck/modemctl/internal/protocol/qrtr"
	"golang.org/x/sys/unix"
)

// rawSockaddrQrtr mirrors struct sockaddr_qrtr.
type rawSockaddrQrtr struct {
	Family uint16
	_      uint16
	Node   uint32
	Port   uint32
}

const sizeofSockaddrQrtr = unsafe.Sizeof(rawSockaddrQrtr{})

// Conn is an unbound AF_QIPCRTR datagram socket. The kernel assigns the
// local port on creation.
type Conn struct {
	f  *os.File
	rc syscall.RawConn
}

func Open() (*Conn, error) {
	fd, err := unix.Socket(unix.AF_QIPCRTR, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("ipcrouter: socket: %w", err)
	}
	f := os.NewFile(uintptr(fd), "qrtr")
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ipcrouter: %w", err)
	}
	return &Conn{f: f, rc: rc}, nil
}

// ReadFrom blocks until a datagram arrives and reports its sender.
func (c *Conn) ReadFrom(p []byte) (int, qrtr.Addr, error) {
	var (
		n    int
		from rawSockaddrQrtr
		serr error
	)
	err := c.rc.Read(func(fd uintptr) bool {
		fromLen := uint32(sizeofSockaddrQrtr)
		var ptr unsafe.Pointer
		if len(p) > 0 {
			ptr = unsafe.Pointer(&p[0])
		}
		r, _, errno := unix.Syscall6(unix.SYS_RECVFROM, fd, uintptr(ptr), uintptr(len(p)), 0,
			uintptr(unsafe.Pointer(&from)), uintptr(unsafe.Pointer(&fromLen)))
		if errno == unix.EAGAIN {
			return false
		}
		if errno != 0 {
			serr = errno
		}
		n = int(r)
		return true
	})
	if err != nil {
		return 0, qrtr.Addr{}, err
	}
	if serr != nil {
		return 0, qrtr.Addr{}, fmt.Errorf("ipcrouter: recvfrom: %w", serr)
	}
	return n, qrtr.Addr{Node: from.Node, Port: from.Port}, nil
}

func (c *Conn) WriteTo(p []byte, addr qrtr.Addr) (int, error) {
	to := rawSockaddrQrtr{Family: unix.AF_QIPCRTR, Node: addr.Node, Port: addr.Port}
	var (
		n    int
		serr error
	)
	err := c.rc.Write(func(fd uintptr) bool {
		var ptr unsafe.Pointer
		if len(p) > 0 {
			ptr = unsafe.Pointer(&p[0])
		}
		r, _, errno := unix.Syscall6(unix.SYS_SENDTO, fd, uintptr(ptr), uintptr(len(p)), 0,
			uintptr(unsafe.Pointer(&to)), sizeofSockaddrQrtr)
		if errno == unix.EAGAIN {
			return false
		}
		if errno != 0 {
			serr = errno
		}
		n = int(r)
		return true
	})
	if err != nil {
		return 0, err
	}
	if serr != nil {
		return 0, fmt.Errorf("ipcrouter: sendto %s: %w", addr, serr)
	}
	return n, nil
}

// LocalAddr returns the socket's own address; its node is the local node
// the name service runs on.
func (c *Conn) LocalAddr() (qrtr.Addr, error) {
	var (
		sa   rawSockaddrQrtr
		serr error
	)
	err := c.rc.Control(func(fd uintptr) {
		l := uint32(sizeofSockaddrQrtr)
		_, _, errno := unix.Syscall(unix.SYS_GETSOCKNAME, fd,
			uintptr(unsafe.Pointer(&sa)), uintptr(unsafe.Pointer(&l)))
		if errno != 0 {
			serr = errno
		}
	})
	if err != nil {
		return qrtr.Addr{}, err
	}
	if serr != nil {
		return qrtr.Addr{}, fmt.Errorf("ipcrouter: getsockname: %w", serr)
	}
	if sa.Family != unix.AF_QIPCRTR {
		return qrtr.Addr{}, fmt.Errorf("ipcrouter: unexpected address family %d", sa.Family)
	}
	return qrtr.Addr{Node: sa.Node, Port: sa.Port}, nil
}

func (c *Conn) Close() error {
	return c.f.Close()
}
