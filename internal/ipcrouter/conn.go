// Package ipcrouter is a datagram socket on the Qualcomm IPC router
// (AF_QIPCRTR).
package ipcrouter

import "errors"

var ErrUnsupported = errors.New("ipcrouter: AF_QIPCRTR is not supported on this platform")

// MaxDatagram bounds a single receive.
const MaxDatagram = 65536
