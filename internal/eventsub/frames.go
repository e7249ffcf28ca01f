package eventsub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types pushed over the EventSub websocket.
const (
	messageTypeWelcome      = "session_welcome"
	messageTypeKeepalive    = "session_keepalive"
	messageTypeNotification = "notification"
	messageTypeReconnect    = "session_reconnect"
)

type frameMetadata struct {
	MessageID        string    `json:"message_id"`
	MessageType      string    `json:"message_type"`
	MessageTimestamp time.Time `json:"message_timestamp"`
	SubscriptionType string    `json:"subscription_type"`
}

// frame is the envelope every inbound websocket message arrives in.
type frame struct {
	Metadata frameMetadata   `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// sessionPayload is the payload of session_welcome and session_reconnect
// frames.
type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

// notificationPayload is the payload of notification frames.
type notificationPayload struct {
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
	Event map[string]any `json:"event"`
}

func decodeFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Metadata.MessageType == "" {
		return nil, fmt.Errorf("frame carries no message type")
	}
	return &f, nil
}

func decodeSessionPayload(raw json.RawMessage) (*sessionPayload, error) {
	var p sessionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode session payload: %w", err)
	}
	return &p, nil
}

func decodeNotificationPayload(raw json.RawMessage) (*notificationPayload, error) {
	var p notificationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode notification payload: %w", err)
	}
	return &p, nil
}
