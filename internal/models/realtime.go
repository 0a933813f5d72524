package models

import "time"

// Client-to-server message types accepted by the realtime gateway.
const (
	ClientMsgAuthenticate  = "authenticate"
	ClientMsgSystemStatus  = "system_status"
	ClientMsgHealthCheck   = "health_check"
	ClientMsgActivityFeed  = "activity_feed"
	ClientMsgSubscribe     = "subscribe"
	ClientMsgUnsubscribe   = "unsubscribe"
	ClientMsgAnalyticsPing = "analytics_ping"
)

// Server-to-client message types emitted by the realtime gateway.
const (
	ServerMsgConnect               = "connect"
	ServerMsgAuthenticate          = "authenticate"
	ServerMsgJobCreated            = "job_created"
	ServerMsgJobStarted            = "job_started"
	ServerMsgJobProgress           = "job_progress"
	ServerMsgJobCompleted          = "job_completed"
	ServerMsgJobFailed             = "job_failed"
	ServerMsgJobRetry              = "job_retry"
	ServerMsgSystemStatus          = "system_status"
	ServerMsgHealthCheck           = "health_check"
	ServerMsgActivityFeed          = "activity_feed"
	ServerMsgItemCreated           = "item_created"
	ServerMsgItemUpdated           = "item_updated"
	ServerMsgItemDeleted           = "item_deleted"
	ServerMsgCollectionUpdated     = "collection_updated"
	ServerMsgNotification          = "notification"
	ServerMsgAlert                 = "alert"
	ServerMsgSubscriptionConfirmed = "subscription_confirmed"
	ServerMsgSubscriptionCancelled = "subscription_cancelled"
	ServerMsgAnalyticsPong         = "analytics_pong"
	ServerMsgAnalyticsEvent        = "analytics_event"
	ServerMsgAnalyticsUpdate       = "analytics_update"
	ServerMsgSystemAlert           = "system_alert"
)

// ClientMessage is one JSON frame received from a websocket client.
type ClientMessage struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp,omitempty"`
}

// ServerMessage is one JSON frame sent to a websocket client. Messages
// carrying a UserID deliver only to connections authenticated as that user.
type ServerMessage struct {
	Type      string      `json:"type"`
	UserID    string      `json:"userId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	ID        string      `json:"id,omitempty"`
}
