// Package qrtr holds the IPC-router addressing types and the control-port
// packet codec used for service lookup.
package qrtr

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PortControl is the well-known port of the router's name service.
const PortControl uint32 = 0xfffffffe

// ControlPacketLen is cmd(4) + one 16-byte server/client record.
const ControlPacketLen = 20

// Control packet commands.
const (
	CmdData      uint32 = 1
	CmdHello     uint32 = 2
	CmdBye       uint32 = 3
	CmdNewServer uint32 = 4
	CmdDelServer uint32 = 5
	CmdDelClient uint32 = 6
	CmdResumeTx  uint32 = 7
	CmdExit      uint32 = 8
	CmdPing      uint32 = 9
	CmdNewLookup uint32 = 10
	CmdDelLookup uint32 = 11
)

var commandNames = map[uint32]string{
	CmdData:      "DATA",
	CmdHello:     "HELLO",
	CmdBye:       "BYE",
	CmdNewServer: "NEW_SERVER",
	CmdDelServer: "DEL_SERVER",
	CmdDelClient: "DEL_CLIENT",
	CmdResumeTx:  "RESUME_TX",
	CmdExit:      "EXIT",
	CmdPing:      "PING",
	CmdNewLookup: "NEW_LOOKUP",
	CmdDelLookup: "DEL_LOOKUP",
}

func CommandName(cmd uint32) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("cmd(%d)", cmd)
}

var ErrShortPacket = errors.New("qrtr: short control packet")

// Addr is an IPC-router endpoint.
type Addr struct {
	Node uint32
	Port uint32
}

func (a Addr) String() string {
	return fmt.Sprintf("%d:%d", a.Node, a.Port)
}

// Server is the server record of NEW_SERVER/DEL_SERVER/NEW_LOOKUP.
// Instance packs version in the low byte and the instance id above it.
type Server struct {
	Service  uint32
	Instance uint32
	Node     uint32
	Port     uint32
}

func (s Server) Version() uint8 {
	return uint8(s.Instance & 0xff)
}

func (s Server) InstanceID() uint32 {
	return s.Instance >> 8
}

func (s Server) Addr() Addr {
	return Addr{Node: s.Node, Port: s.Port}
}

// IsZero reports the all-zero record that terminates a lookup.
func (s Server) IsZero() bool {
	return s == Server{}
}

func PackInstance(version uint8, instance uint32) uint32 {
	return uint32(version) | instance<<8
}

// ControlPacket is one name-service packet. BYE and DEL_CLIENT reuse the
// record's first two words as a client {node, port}.
type ControlPacket struct {
	Cmd    uint32
	Server Server
}

func (p ControlPacket) Client() Addr {
	return Addr{Node: p.Server.Service, Port: p.Server.Instance}
}

func EncodeControl(p ControlPacket) []byte {
	buf := make([]byte, ControlPacketLen)
	binary.LittleEndian.PutUint32(buf[0:4], p.Cmd)
	binary.LittleEndian.PutUint32(buf[4:8], p.Server.Service)
	binary.LittleEndian.PutUint32(buf[8:12], p.Server.Instance)
	binary.LittleEndian.PutUint32(buf[12:16], p.Server.Node)
	binary.LittleEndian.PutUint32(buf[16:20], p.Server.Port)
	return buf
}

func DecodeControl(b []byte) (ControlPacket, error) {
	if len(b) < ControlPacketLen {
		return ControlPacket{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	return ControlPacket{
		Cmd: binary.LittleEndian.Uint32(b[0:4]),
		Server: Server{
			Service:  binary.LittleEndian.Uint32(b[4:8]),
			Instance: binary.LittleEndian.Uint32(b[8:12]),
			Node:     binary.LittleEndian.Uint32(b[12:16]),
			Port:     binary.LittleEndian.Uint32(b[16:20]),
		},
	}, nil
}

// NewLookup builds the all-services lookup request.
func NewLookup() []byte {
	return EncodeControl(ControlPacket{Cmd: CmdNewLookup})
}
