package handlers

import "time"

// Client command types accepted on the realtime channel.
const (
	CmdAuthenticate  = "authenticate"
	CmdSystemStatus  = "system_status"
	CmdHealthCheck   = "health_check"
	CmdActivityFeed  = "activity_feed"
	CmdSubscribe     = "subscribe"
	CmdUnsubscribe   = "unsubscribe"
	CmdAnalyticsPing = "analytics_ping"
)

// Server frame types not derived from bus events.
const (
	FrameConnect               = "connect"
	FrameAuthenticate          = "authenticate"
	FrameAlert                 = "alert"
	FrameSystemStatus          = "system_status"
	FrameHealthCheck           = "health_check"
	FrameActivityFeed          = "activity_feed"
	FrameSubscriptionConfirmed = "subscription_confirmed"
	FrameSubscriptionCancelled = "subscription_cancelled"
	FrameAnalyticsPong         = "analytics_pong"
)

// ClientFrame is one message from a client. One JSON object per frame.
type ClientFrame struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
}

// ServerFrame is one message to a client.
type ServerFrame struct {
	Type      string      `json:"type"`
	UserID    string      `json:"userId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	ID        string      `json:"id,omitempty"`
}

// Helper functions for safe type conversion from map[string]interface{}
func getString(m map[string]interface{}, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getInt(m map[string]interface{}, key string) int {
	if val, ok := m[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
