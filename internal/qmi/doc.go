// Package qmi is the QMI transaction engine. A Device speaks QMUX framing
// over a character device and leases client ids from the control service;
// a Node speaks to services over the IPC router after a name-service
// lookup. Both hand out Handles that send requests and receive
// indications.
//
// Nothing in this package locks. Every method must run on the loop.Loop
// goroutine the Device or Node was created with, either from a callback or
// through Loop.Do.
package qmi
