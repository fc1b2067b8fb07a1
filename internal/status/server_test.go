package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/modemctl/internal/auth"
	"github.com/danmuck/modemctl/internal/loop"
	"github.com/danmuck/modemctl/internal/modem"
	"github.com/danmuck/modemctl/internal/protocol/frame"
	"github.com/danmuck/modemctl/internal/protocol/schema"
	"github.com/danmuck/modemctl/internal/protocol/tlv"
	"github.com/danmuck/modemctl/internal/qmi"
	"github.com/danmuck/modemctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

// versionModem answers GET_VERSION_INFO with CTL 1.2 and NAS 1.25.
type versionModem struct {
	toHost    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (m *versionModem) Read(p []byte) (int, error) {
	select {
	case b := <-m.toHost:
		return copy(p, b), nil
	case <-m.closed:
		return 0, io.EOF
	}
}

func (m *versionModem) Write(p []byte) (int, error) {
	req, _, err := frame.DecodeQMUX(p)
	if err != nil || !req.IsControl() || req.MessageID != schema.CtlGetVersionInfo {
		return len(p), nil
	}
	list := []byte{2,
		byte(schema.ServiceControl), 1, 0, 2, 0,
		byte(schema.ServiceNAS), 1, 0, 25, 0,
	}
	tlvs, err := tlv.NewParam().
		Append(tlv.TypeResult, []byte{0, 0, 0, 0}).
		Append(0x01, list).
		Take()
	if err != nil {
		return 0, err
	}
	b, err := frame.EncodeQMUX(frame.Message{
		Service:     schema.ServiceControl,
		Flags:       frame.FlagFromService,
		Type:        frame.ControlResponse,
		Transaction: req.Transaction,
		MessageID:   req.MessageID,
		TLVs:        tlvs,
	})
	if err != nil {
		return 0, err
	}
	m.toHost <- b
	return len(p), nil
}

func (m *versionModem) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func setup(t *testing.T) (*Server, *modem.Client, *qmi.Device) {
	return setupWithToken(t, "")
}

func setupWithToken(t *testing.T, token auth.Token) (*Server, *modem.Client, *qmi.Device) {
	t.Helper()
	testlog.Start(t)
	l := loop.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	sim := &versionModem{toHost: make(chan []byte, 8), closed: make(chan struct{})}
	var d *qmi.Device
	require.NoError(t, l.Do(context.Background(), func() {
		d = qmi.NewDevice(l, sim, qmi.DefaultConfig())
	}))
	t.Cleanup(func() {
		_ = l.Do(context.Background(), func() { d.Close() })
	})

	c := modem.NewClient(l, 4)
	return New("status-test", c, d, token), c, d
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthAlwaysOK(t *testing.T) {
	s, _, _ := setup(t)
	rr := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "status-test", body["service"])
}

func TestReadyTracksDiscovery(t *testing.T) {
	s, c, d := setup(t)

	rr := get(t, s, "/ready")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code, rr.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Discover(ctx, d))

	rr = get(t, s, "/ready")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, true, body["ready"])
	require.Equal(t, "qmux", body["transport"])
}

func TestServicesListsDiscoveredVersions(t *testing.T) {
	s, c, d := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Discover(ctx, d))

	rr := get(t, s, "/services")
	require.Equal(t, http.StatusOK, rr.Code)

	var snap modem.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.True(t, snap.Ready)
	require.Equal(t, "1.2", snap.ControlVersion)
	require.Len(t, snap.Services, 1)
	require.Equal(t, schema.ServiceNAS, snap.Services[0].Type)
	require.Equal(t, uint16(25), snap.Services[0].Minor)
}

func TestMetricsExposesTransportCounters(t *testing.T) {
	s, c, d := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Discover(ctx, d))
	_ = get(t, s, "/health")

	rr := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.True(t, strings.Contains(body, "modemctl_transport_frames_written_total"))
	require.True(t, strings.Contains(body, "modemctl_http_requests_total"))
}

func TestPendingEmptyWhenIdle(t *testing.T) {
	s, _, _ := setup(t)
	rr := get(t, s, "/pending")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"pending":[],"capacity":4}`, rr.Body.String())
}

func TestTokenGuardsEverythingButHealth(t *testing.T) {
	s, _, _ := setupWithToken(t, "s3cret")
	require.Equal(t, http.StatusOK, get(t, s, "/health").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, s, "/services").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, s, "/metrics").Code)

	req := httptest.NewRequest(http.MethodGet, "/pending", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}
