//go:build linux

package qmi

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// openCharDevice opens a QMUX node such as /dev/cdc-wdm0 without letting it
// become the controlling terminal.
func openCharDevice(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}
