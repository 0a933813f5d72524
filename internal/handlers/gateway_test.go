package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/events"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// fakeAuth accepts tokens of the form "tok-<userID>".
type fakeAuth struct{}

func (fakeAuth) VerifyToken(token string) (string, error) {
	if strings.HasPrefix(token, "tok-") {
		return strings.TrimPrefix(token, "tok-"), nil
	}
	return "", fmt.Errorf("invalid token")
}

func (fakeAuth) IssueToken(userID string) (string, error) {
	return "tok-" + userID, nil
}

type fakeStats struct {
	fail bool
}

func (f *fakeStats) Statistics(ctx context.Context) (*models.SystemStats, error) {
	if f.fail {
		return nil, fmt.Errorf("stats unavailable")
	}
	return &models.SystemStats{TotalJobs: 7, ActiveJobs: 2, Timestamp: time.Now()}, nil
}

type fakeAudit struct {
	mu       sync.Mutex
	activity []*models.ActivityEntry
}

func (f *fakeAudit) AppendExecution(ctx context.Context, entry *models.PipelineExecution) error {
	return nil
}

func (f *fakeAudit) ListExecutionsByUser(ctx context.Context, userID string, limit int) ([]*models.PipelineExecution, error) {
	return nil, nil
}

func (f *fakeAudit) AppendActivity(ctx context.Context, entry *models.ActivityEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, entry)
	return nil
}

func (f *fakeAudit) ListActivityByUser(ctx context.Context, userID string, limit, offset int) ([]*models.ActivityEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ActivityEntry
	for _, e := range f.activity {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeMetrics struct {
	mu        sync.Mutex
	snapshots map[string]map[string]interface{}
}

func (f *fakeMetrics) PutSnapshot(ctx context.Context, key string, data map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshots == nil {
		f.snapshots = make(map[string]map[string]interface{})
	}
	f.snapshots[key] = data
	return nil
}

func (f *fakeMetrics) GetSnapshot(ctx context.Context, key string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[key], nil
}

type gatewayHarness struct {
	gateway *Gateway
	server  *httptest.Server
	bus     *events.Bus
	audit   *fakeAudit
	stats   *fakeStats
	metrics *fakeMetrics
}

func newGatewayHarness(t *testing.T, cfg common.RealtimeConfig) *gatewayHarness {
	t.Helper()
	logger := arbor.NewLogger()
	h := &gatewayHarness{
		bus:     events.NewBus(logger),
		audit:   &fakeAudit{},
		stats:   &fakeStats{},
		metrics: &fakeMetrics{},
	}
	if cfg.ProgressThrottle == "" {
		// Tests deliver frames faster than the production throttle.
		cfg.ProgressThrottle = "1ns"
	}
	h.gateway = NewGateway(fakeAuth{}, h.stats, h.audit, h.bus, h.metrics, cfg, logger)
	h.gateway.Start()
	h.server = httptest.NewServer(http.HandlerFunc(h.gateway.HandleWebSocket))
	t.Cleanup(func() {
		h.server.Close()
		h.gateway.Stop()
		h.bus.Close()
	})
	return h
}

func (h *gatewayHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func sendCmd(t *testing.T, conn *websocket.Conn, cmdType string, data map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ClientFrame{Type: cmdType, Data: data, Timestamp: time.Now()}))
}

// authenticate dials, consumes the connect frame and completes the auth
// handshake for one user.
func (h *gatewayHarness) authenticate(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := h.dial(t)
	connect := readFrame(t, conn)
	require.Equal(t, FrameConnect, connect.Type)

	sendCmd(t, conn, CmdAuthenticate, map[string]interface{}{"token": "tok-" + userID})
	auth := readFrame(t, conn)
	require.Equal(t, FrameAuthenticate, auth.Type)
	status := readFrame(t, conn)
	require.Equal(t, FrameSystemStatus, status.Type)
	return conn
}

func TestGateway_ConnectFrameOnOpen(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	conn := h.dial(t)

	frame := readFrame(t, conn)
	assert.Equal(t, FrameConnect, frame.Type)
	data := frame.Data.(map[string]interface{})
	assert.NotEmpty(t, data["instanceId"])
	assert.NotEmpty(t, data["connectionId"])
}

func TestGateway_AuthenticateSuccess(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	conn := h.dial(t)
	readFrame(t, conn) // connect

	sendCmd(t, conn, CmdAuthenticate, map[string]interface{}{"token": "tok-u1"})

	auth := readFrame(t, conn)
	assert.Equal(t, FrameAuthenticate, auth.Type)
	assert.Equal(t, "u1", auth.UserID)
	data := auth.Data.(map[string]interface{})
	assert.Equal(t, true, data["success"])

	// A fresh system-status snapshot follows the successful handshake.
	status := readFrame(t, conn)
	assert.Equal(t, FrameSystemStatus, status.Type)
	stats := status.Data.(map[string]interface{})
	assert.Equal(t, float64(7), stats["total_jobs"])
}

func TestGateway_AuthenticateFailureKeepsConnectionOpen(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	conn := h.dial(t)
	readFrame(t, conn) // connect

	sendCmd(t, conn, CmdAuthenticate, map[string]interface{}{"token": "garbage"})
	alert := readFrame(t, conn)
	assert.Equal(t, FrameAlert, alert.Type)

	// The connection survives and a valid token still works.
	sendCmd(t, conn, CmdAuthenticate, map[string]interface{}{"token": "tok-u1"})
	auth := readFrame(t, conn)
	assert.Equal(t, FrameAuthenticate, auth.Type)
}

func TestGateway_CommandsRequireAuth(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	conn := h.dial(t)
	readFrame(t, conn) // connect

	sendCmd(t, conn, CmdSystemStatus, nil)
	alert := readFrame(t, conn)
	assert.Equal(t, FrameAlert, alert.Type)
	data := alert.Data.(map[string]interface{})
	assert.Contains(t, data["message"], "authentication required")
}

func TestGateway_HealthCheckWithoutAuthentication(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	conn := h.dial(t)
	readFrame(t, conn) // connect

	sendCmd(t, conn, CmdHealthCheck, nil)
	frame := readFrame(t, conn)
	assert.Equal(t, FrameHealthCheck, frame.Type)
	data := frame.Data.(map[string]interface{})
	assert.Equal(t, true, data["healthy"])
}

func TestGateway_UnknownCommandAlerts(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	conn := h.authenticate(t, "u1")

	sendCmd(t, conn, "bogus", nil)
	alert := readFrame(t, conn)
	assert.Equal(t, FrameAlert, alert.Type)
}

func TestGateway_HealthCheckCommand(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	conn := h.authenticate(t, "u1")

	sendCmd(t, conn, CmdHealthCheck, nil)
	frame := readFrame(t, conn)
	assert.Equal(t, FrameHealthCheck, frame.Type)
	data := frame.Data.(map[string]interface{})
	assert.Equal(t, true, data["healthy"])

	h.stats.fail = true
	sendCmd(t, conn, CmdHealthCheck, nil)
	frame = readFrame(t, conn)
	data = frame.Data.(map[string]interface{})
	assert.Equal(t, false, data["healthy"])
}

func TestGateway_AnalyticsPingAndActivityFeed(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	conn := h.authenticate(t, "u1")

	sendCmd(t, conn, CmdAnalyticsPing, map[string]interface{}{"activity": "opened_editor"})
	pong := readFrame(t, conn)
	assert.Equal(t, FrameAnalyticsPong, pong.Type)

	h.audit.mu.Lock()
	require.Len(t, h.audit.activity, 1)
	assert.Equal(t, "analytics", h.audit.activity[0].Kind)
	assert.Equal(t, "opened_editor", h.audit.activity[0].Message)
	assert.Equal(t, "u1", h.audit.activity[0].UserID)
	h.audit.mu.Unlock()

	sendCmd(t, conn, CmdActivityFeed, map[string]interface{}{"limit": 10})
	feed := readFrame(t, conn)
	assert.Equal(t, FrameActivityFeed, feed.Type)
	data := feed.Data.(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])
}

func TestGateway_SubscribeAndUnsubscribe(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	conn := h.authenticate(t, "u1")

	sendCmd(t, conn, CmdSubscribe, map[string]interface{}{"channel": "analytics"})
	confirmed := readFrame(t, conn)
	assert.Equal(t, FrameSubscriptionConfirmed, confirmed.Type)

	sendCmd(t, conn, CmdUnsubscribe, map[string]interface{}{"channel": "analytics"})
	cancelled := readFrame(t, conn)
	assert.Equal(t, FrameSubscriptionCancelled, cancelled.Type)

	sendCmd(t, conn, CmdSubscribe, nil)
	alert := readFrame(t, conn)
	assert.Equal(t, FrameAlert, alert.Type)
}

func TestGateway_TargetedFanout(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	conn1 := h.authenticate(t, "u1")
	conn2 := h.authenticate(t, "u2")

	h.bus.Publish(interfaces.Event{
		Type:    interfaces.EventJobCompleted,
		UserID:  "u1",
		Payload: map[string]interface{}{"job_id": "job-1"},
	})

	frame := readFrame(t, conn1)
	assert.Equal(t, "job_completed", frame.Type)
	assert.Equal(t, "u1", frame.UserID)
	assert.NotEmpty(t, frame.ID)

	// u2 must never see u1's event; the next frame u2 receives is the
	// untargeted one below.
	h.bus.Publish(interfaces.Event{
		Type:    interfaces.EventSystemAlert,
		Payload: map[string]interface{}{"message": "maintenance"},
	})
	frame = readFrame(t, conn2)
	assert.Equal(t, "system_alert", frame.Type)

	frame = readFrame(t, conn1)
	assert.Equal(t, "system_alert", frame.Type)
}

func TestGateway_UnauthenticatedConnectionsGetNoFanout(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	conn := h.dial(t)
	readFrame(t, conn) // connect

	h.bus.Publish(interfaces.Event{
		Type:    interfaces.EventSystemAlert,
		Payload: map[string]interface{}{"message": "maintenance"},
	})

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var frame ServerFrame
	err := conn.ReadJSON(&frame)
	assert.Error(t, err)
}

func TestGateway_AnalyticsEventsOnlyToSubscribers(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	subscriber := h.authenticate(t, "u1")
	bystander := h.authenticate(t, "u2")

	sendCmd(t, subscriber, CmdSubscribe, map[string]interface{}{"channel": "analytics"})
	readFrame(t, subscriber) // subscription_confirmed

	h.bus.Publish(interfaces.Event{
		Type:    interfaces.EventAnalytics,
		Payload: map[string]interface{}{"metric": "dau"},
	})

	frame := readFrame(t, subscriber)
	assert.Equal(t, "analytics_event", frame.Type)

	bystander.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var none ServerFrame
	assert.Error(t, bystander.ReadJSON(&none))
}

func TestGateway_OriginAllowList(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{
		AllowedOrigins: []string{"http://app.example.com"},
	})
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http")

	_, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
		"Origin": []string{"http://evil.example.com"},
	})
	assert.Error(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
		"Origin": []string{"http://app.example.com"},
	})
	require.NoError(t, err)
	conn.Close()
}

func TestGateway_MalformedFrameAlerts(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	conn := h.dial(t)
	readFrame(t, conn) // connect

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	alert := readFrame(t, conn)
	assert.Equal(t, FrameAlert, alert.Type)

	// Connection remains usable afterwards.
	sendCmd(t, conn, CmdAuthenticate, map[string]interface{}{"token": "tok-u1"})
	auth := readFrame(t, conn)
	assert.Equal(t, FrameAuthenticate, auth.Type)
}

func TestGateway_MetricsSnapshot(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{MetricsInterval: "50ms"})
	h.authenticate(t, "u1")
	h.dial(t)

	require.Eventually(t, func() bool {
		snap, _ := h.metrics.GetSnapshot(context.Background(), metricsSnapshotKey)
		return snap != nil
	}, 2*time.Second, 25*time.Millisecond)

	snap, err := h.metrics.GetSnapshot(context.Background(), metricsSnapshotKey)
	require.NoError(t, err)
	assert.Equal(t, 2, snap["connections"])
	assert.Equal(t, 1, snap["authenticated"])
}

func TestGateway_ConnectionCount(t *testing.T) {
	h := newGatewayHarness(t, common.RealtimeConfig{})
	h.authenticate(t, "u1")
	h.dial(t)
	readFrame(t, h.dial(t)) // third connection, consume its connect frame

	require.Eventually(t, func() bool {
		total, _ := h.gateway.ConnectionCount()
		return total == 3
	}, time.Second, 10*time.Millisecond)

	_, authenticated := h.gateway.ConnectionCount()
	assert.Equal(t, 1, authenticated)
}
