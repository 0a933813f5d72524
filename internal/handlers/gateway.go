package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/quill/internal/common"
	"github.com/ternarybob/quill/internal/interfaces"
	"github.com/ternarybob/quill/internal/models"
)

// StatsProvider supplies the system-status snapshot served on demand and
// after a successful authentication. The queue manager implements it.
type StatsProvider interface {
	Statistics(ctx context.Context) (*models.SystemStats, error)
}

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 200
	writeTimeout         = 10 * time.Second
	metricsSnapshotKey   = "gateway_metrics"
)

// connection is one client socket. The write mutex serializes frame
// writes; the state mutex guards identity and subscriptions.
type connection struct {
	ws *websocket.Conn
	id string

	writeMu sync.Mutex

	stateMu  sync.Mutex
	userID   string
	channels map[string]bool
	lastSeen time.Time

	// progress throttles job_progress fan-out per connection.
	progress *rate.Limiter
}

func (c *connection) user() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.userID
}

func (c *connection) touch() {
	c.stateMu.Lock()
	c.lastSeen = time.Now()
	c.stateMu.Unlock()
}

func (c *connection) idleSince() time.Time {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastSeen
}

func (c *connection) subscribed(channel string) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.channels[channel]
}

// Gateway is the realtime websocket server: authenticated connections,
// command handling, and per-user fan-out of bus events.
type Gateway struct {
	auth    interfaces.AuthService
	stats   StatsProvider
	audit   interfaces.AuditStorage
	bus     interfaces.EventBus
	metrics interfaces.MetricsCache
	logger  arbor.ILogger

	upgrader   websocket.Upgrader
	instanceID string

	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	metricsInterval   time.Duration
	progressThrottle  time.Duration

	mu    sync.RWMutex
	conns map[*connection]struct{}

	sub     *interfaces.Subscription
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewGateway creates the realtime gateway.
func NewGateway(
	auth interfaces.AuthService,
	stats StatsProvider,
	audit interfaces.AuditStorage,
	bus interfaces.EventBus,
	metrics interfaces.MetricsCache,
	cfg common.RealtimeConfig,
	logger arbor.ILogger,
) *Gateway {
	g := &Gateway{
		auth:              auth,
		stats:             stats,
		audit:             audit,
		bus:               bus,
		metrics:           metrics,
		logger:            logger,
		instanceID:        common.NewInstanceID(),
		heartbeatInterval: parseDurationOr(cfg.HeartbeatInterval, 60*time.Second),
		idleTimeout:       parseDurationOr(cfg.IdleTimeout, 5*time.Minute),
		metricsInterval:   parseDurationOr(cfg.MetricsInterval, 30*time.Second),
		progressThrottle:  parseDurationOr(cfg.ProgressThrottle, 250*time.Millisecond),
		conns:             make(map[*connection]struct{}),
		stopCh:            make(chan struct{}),
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	allowAll := false
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients send no Origin header.
			if origin == "" || allowAll {
				return true
			}
			return allowed[origin]
		},
	}

	logger.Info().
		Str("instance_id", g.instanceID).
		Int("allowed_origins", len(cfg.AllowedOrigins)).
		Msg("Realtime gateway initialized")
	return g
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Start launches the fan-out, heartbeat and metrics loops.
func (g *Gateway) Start() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()

	g.sub = g.bus.Subscribe("gateway")
	g.wg.Add(3)
	go g.fanoutLoop()
	go g.heartbeatLoop()
	go g.metricsLoop()
	g.logger.Info().Msg("Realtime gateway started")
}

// Stop detaches from the bus and closes every connection.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return
	}
	g.started = false
	g.mu.Unlock()

	close(g.stopCh)
	if g.sub != nil {
		g.sub.Close()
	}
	g.wg.Wait()

	g.mu.Lock()
	for conn := range g.conns {
		conn.ws.Close()
	}
	g.conns = make(map[*connection]struct{})
	g.mu.Unlock()
	g.logger.Info().Msg("Realtime gateway stopped")
}

// ConnectionCount returns open and authenticated connection counts.
func (g *Gateway) ConnectionCount() (total, authenticated int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for conn := range g.conns {
		total++
		if conn.user() != "" {
			authenticated++
		}
	}
	return total, authenticated
}

// HandleWebSocket upgrades the request and runs the connection's read
// loop until the socket closes.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	conn := &connection{
		ws:       ws,
		id:       uuid.New().String(),
		channels: make(map[string]bool),
		lastSeen: time.Now(),
		progress: rate.NewLimiter(rate.Every(g.progressThrottle), 1),
	}

	g.mu.Lock()
	g.conns[conn] = struct{}{}
	total := len(g.conns)
	g.mu.Unlock()
	g.logger.Debug().Str("conn_id", conn.id).Int("total", total).Msg("Realtime client connected")

	g.send(conn, ServerFrame{
		Type: FrameConnect,
		Data: map[string]interface{}{"instanceId": g.instanceID, "connectionId": conn.id},
	})

	defer func() {
		g.remove(conn)
		ws.Close()
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Warn().Str("conn_id", conn.id).Err(err).Msg("Websocket read error")
			}
			return
		}
		conn.touch()

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			g.alert(conn, "malformed frame: expected a JSON object")
			continue
		}
		g.handleFrame(r.Context(), conn, frame)
	}
}

func (g *Gateway) remove(conn *connection) {
	g.mu.Lock()
	delete(g.conns, conn)
	remaining := len(g.conns)
	g.mu.Unlock()
	g.logger.Debug().Str("conn_id", conn.id).Int("remaining", remaining).Msg("Realtime client disconnected")
}

// handleFrame dispatches one client command. Client errors produce an
// alert frame; the connection stays open.
func (g *Gateway) handleFrame(ctx context.Context, conn *connection, frame ClientFrame) {
	// authenticate and the health-check echo are the only commands served
	// on an unauthenticated connection.
	switch frame.Type {
	case CmdAuthenticate:
		g.handleAuthenticate(ctx, conn, frame)
		return
	case CmdHealthCheck:
		g.handleHealthCheck(ctx, conn)
		return
	}

	userID := conn.user()
	if userID == "" {
		g.alert(conn, "authentication required")
		return
	}

	switch frame.Type {
	case CmdSystemStatus:
		g.sendStatus(ctx, conn, FrameSystemStatus)
	case CmdActivityFeed:
		g.handleActivityFeed(ctx, conn, userID, frame)
	case CmdSubscribe:
		g.handleSubscribe(conn, frame, true)
	case CmdUnsubscribe:
		g.handleSubscribe(conn, frame, false)
	case CmdAnalyticsPing:
		g.handleAnalyticsPing(ctx, conn, userID, frame)
	default:
		g.alert(conn, fmt.Sprintf("unknown command: %s", frame.Type))
	}
}

func (g *Gateway) handleAuthenticate(ctx context.Context, conn *connection, frame ClientFrame) {
	token := getString(frame.Data, "token")
	userID, err := g.auth.VerifyToken(token)
	if err != nil {
		g.logger.Debug().Str("conn_id", conn.id).Err(err).Msg("Authentication rejected")
		g.alert(conn, "authentication failed")
		return
	}

	conn.stateMu.Lock()
	conn.userID = userID
	conn.stateMu.Unlock()

	g.send(conn, ServerFrame{
		Type:   FrameAuthenticate,
		UserID: userID,
		Data:   map[string]interface{}{"success": true, "userId": userID},
	})
	g.sendStatus(ctx, conn, FrameSystemStatus)
	g.logger.Info().Str("conn_id", conn.id).Str("user_id", userID).Msg("Realtime client authenticated")
}

func (g *Gateway) sendStatus(ctx context.Context, conn *connection, frameType string) {
	stats, err := g.stats.Statistics(ctx)
	if err != nil {
		g.alert(conn, "status unavailable")
		return
	}
	g.send(conn, ServerFrame{Type: frameType, UserID: conn.user(), Data: stats})
}

func (g *Gateway) handleHealthCheck(ctx context.Context, conn *connection) {
	stats, err := g.stats.Statistics(ctx)
	data := map[string]interface{}{"healthy": err == nil}
	if err != nil {
		data["error"] = err.Error()
	} else {
		data["stats"] = stats
	}
	g.send(conn, ServerFrame{Type: FrameHealthCheck, UserID: conn.user(), Data: data})
}

func (g *Gateway) handleActivityFeed(ctx context.Context, conn *connection, userID string, frame ClientFrame) {
	limit := getInt(frame.Data, "limit")
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}
	offset := getInt(frame.Data, "offset")
	if offset < 0 {
		offset = 0
	}

	entries, err := g.audit.ListActivityByUser(ctx, userID, limit, offset)
	if err != nil {
		g.logger.Warn().Str("user_id", userID).Err(err).Msg("Activity feed query failed")
		g.alert(conn, "activity feed unavailable")
		return
	}
	g.send(conn, ServerFrame{
		Type:   FrameActivityFeed,
		UserID: userID,
		Data:   map[string]interface{}{"entries": entries, "count": len(entries), "offset": offset},
	})
}

func (g *Gateway) handleSubscribe(conn *connection, frame ClientFrame, subscribe bool) {
	channel := getString(frame.Data, "channel")
	if channel == "" {
		g.alert(conn, "channel is required")
		return
	}

	conn.stateMu.Lock()
	if subscribe {
		conn.channels[channel] = true
	} else {
		delete(conn.channels, channel)
	}
	conn.stateMu.Unlock()

	frameType := FrameSubscriptionConfirmed
	if !subscribe {
		frameType = FrameSubscriptionCancelled
	}
	g.send(conn, ServerFrame{
		Type:   frameType,
		UserID: conn.user(),
		Data:   map[string]interface{}{"channel": channel},
	})
}

func (g *Gateway) handleAnalyticsPing(ctx context.Context, conn *connection, userID string, frame ClientFrame) {
	entry := &models.ActivityEntry{
		ID:      common.NewActivityID(),
		UserID:  userID,
		Kind:    "analytics",
		Message: getString(frame.Data, "activity"),
		Data:    frame.Data,
	}
	if err := g.audit.AppendActivity(ctx, entry); err != nil {
		g.logger.Warn().Str("user_id", userID).Err(err).Msg("Failed to record analytics activity")
	}
	g.send(conn, ServerFrame{
		Type:   FrameAnalyticsPong,
		UserID: userID,
		Data:   map[string]interface{}{"received": true},
	})
}

// fanoutLoop forwards bus events to connections. Targeted events go only
// to the target user's connections; untargeted events go to every
// authenticated connection, analytics events only to channel subscribers.
func (g *Gateway) fanoutLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopCh:
			return
		case event, ok := <-g.sub.C:
			if !ok {
				return
			}
			g.dispatch(event)
		}
	}
}

func (g *Gateway) dispatch(event interfaces.Event) {
	frame := ServerFrame{
		Type:      string(event.Type),
		UserID:    event.UserID,
		Data:      event.Payload,
		Timestamp: event.Timestamp,
		ID:        uuid.New().String(),
	}

	g.mu.RLock()
	targets := make([]*connection, 0, len(g.conns))
	for conn := range g.conns {
		userID := conn.user()
		if userID == "" {
			continue
		}
		if event.UserID != "" && event.UserID != userID {
			continue
		}
		if event.UserID == "" && event.Type == interfaces.EventAnalytics && !conn.subscribed("analytics") {
			continue
		}
		targets = append(targets, conn)
	}
	g.mu.RUnlock()

	for _, conn := range targets {
		if event.Type == interfaces.EventJobProgress && !conn.progress.Allow() {
			continue
		}
		if err := g.write(conn, frame); err != nil {
			g.logger.Warn().Str("conn_id", conn.id).Err(err).Msg("Dropping unwritable connection")
			g.remove(conn)
			conn.ws.Close()
		}
	}
}

// heartbeatLoop pings connections idle past the idle timeout and removes
// those whose socket is no longer writable.
func (g *Gateway) heartbeatLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.pingIdle()
		}
	}
}

func (g *Gateway) pingIdle() {
	cutoff := time.Now().Add(-g.idleTimeout)

	g.mu.RLock()
	idle := make([]*connection, 0)
	for conn := range g.conns {
		if conn.idleSince().Before(cutoff) {
			idle = append(idle, conn)
		}
	}
	g.mu.RUnlock()

	for _, conn := range idle {
		conn.writeMu.Lock()
		err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		conn.writeMu.Unlock()
		if err != nil {
			g.logger.Debug().Str("conn_id", conn.id).Err(err).Msg("Removing dead connection")
			g.remove(conn)
			conn.ws.Close()
		}
	}
}

// metricsLoop writes a connection snapshot to the shared cache.
func (g *Gateway) metricsLoop() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			total, authenticated := g.ConnectionCount()
			snapshot := map[string]interface{}{
				"connections":   total,
				"authenticated": authenticated,
				"instance_id":   g.instanceID,
				"timestamp":     time.Now().Format(time.RFC3339),
			}
			if err := g.metrics.PutSnapshot(context.Background(), metricsSnapshotKey, snapshot); err != nil {
				g.logger.Warn().Err(err).Msg("Failed to write gateway metrics snapshot")
			}
		}
	}
}

func (g *Gateway) alert(conn *connection, message string) {
	g.send(conn, ServerFrame{
		Type: FrameAlert,
		Data: map[string]interface{}{"message": message},
	})
}

// send writes a frame and logs write failures; the read loop notices the
// broken socket and cleans up.
func (g *Gateway) send(conn *connection, frame ServerFrame) {
	if err := g.write(conn, frame); err != nil {
		g.logger.Warn().Str("conn_id", conn.id).Err(err).Msg("Failed to send frame")
	}
}

func (g *Gateway) write(conn *connection, frame ServerFrame) error {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.ws.WriteMessage(websocket.TextMessage, data)
}
