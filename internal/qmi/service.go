package qmi

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/modemctl/internal/protocol/qrtr"
	"github.com/danmuck/modemctl/internal/protocol/schema"
)

// ServiceInfo is one service reported by discovery (QMUX) or lookup (QRTR).
type ServiceInfo struct {
	Type     schema.Service `json:"type"`
	Name     string         `json:"name"`
	Major    uint16         `json:"major"`
	Minor    uint16         `json:"minor"`
	Instance uint32         `json:"instance,omitempty"`
	Addr     *qrtr.Addr     `json:"addr,omitempty"`
}

func (s ServiceInfo) String() string {
	if s.Addr != nil {
		return fmt.Sprintf("%s v%d instance=%d @%s", s.Type, s.Major, s.Instance, s.Addr)
	}
	return fmt.Sprintf("%s %d.%d", s.Type, s.Major, s.Minor)
}

// Version-info reply records.
const (
	versionListTLV   uint8 = 0x01
	versionStringTLV uint8 = 0x10
)

// parseVersionList decodes count(1) + {service(1), major(2), minor(2)}*.
// Entries beyond the end of the record are ignored.
func parseVersionList(v []byte) []ServiceInfo {
	if len(v) < 1 {
		return nil
	}
	count := int(v[0])
	v = v[1:]
	out := make([]ServiceInfo, 0, count)
	for i := 0; i < count && len(v) >= 5; i++ {
		svc := schema.Service(v[0])
		out = append(out, ServiceInfo{
			Type:  svc,
			Name:  svc.Name(),
			Major: binary.LittleEndian.Uint16(v[1:3]),
			Minor: binary.LittleEndian.Uint16(v[3:5]),
		})
		v = v[5:]
	}
	return out
}

// parseVersionString decodes len(1) + bytes.
func parseVersionString(v []byte) (string, bool) {
	if len(v) < 1 || int(v[0]) > len(v)-1 {
		return "", false
	}
	return string(v[1 : 1+int(v[0])]), true
}

func serviceInfoFromServer(s qrtr.Server) ServiceInfo {
	svc := schema.Service(s.Service)
	addr := s.Addr()
	return ServiceInfo{
		Type:     svc,
		Name:     svc.Name(),
		Major:    uint16(s.Version()),
		Instance: s.InstanceID(),
		Addr:     &addr,
	}
}

func findService(list []ServiceInfo, svc schema.Service) (ServiceInfo, bool) {
	for _, s := range list {
		if s.Type == svc {
			return s, true
		}
	}
	return ServiceInfo{}, false
}
