package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Channel is a named subscription target shared across tasks
type Channel string

const (
	ChannelProgress Channel = "progress"
	ChannelSystem   Channel = "system"
	ChannelAlerts   Channel = "alerts"
)

// Channels lists every valid channel name
func Channels() []Channel {
	return []Channel{ChannelProgress, ChannelSystem, ChannelAlerts}
}

// ValidChannel reports whether name is one of the enumerated channels
func ValidChannel(name string) bool {
	switch Channel(name) {
	case ChannelProgress, ChannelSystem, ChannelAlerts:
		return true
	}
	return false
}

// FrameType identifies a frame on the bidirectional stream
type FrameType string

// Incoming frame types (client to server)
const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePing        FrameType = "ping"
	FrameGetStatus   FrameType = "get_status"
)

// Outgoing frame types (server to client)
const (
	FrameConnected      FrameType = "connected"
	FrameProgressUpdate FrameType = "progress_update"
	FrameStageUpdate    FrameType = "stage_update"
	FrameTaskComplete   FrameType = "task_complete"
	FrameTaskError      FrameType = "task_error"
	FrameSystemAlert    FrameType = "system_alert"
	FramePong           FrameType = "pong"
	FrameStatusResponse FrameType = "status_response"
	FrameErrorMsg       FrameType = "error"
)

// Droppable reports whether a frame may be shed under backpressure.
// Terminal and alert frames are always delivered.
func (t FrameType) Droppable() bool {
	return t == FrameProgressUpdate || t == FrameStageUpdate
}

// Frame is the envelope for every message on the stream
type Frame struct {
	Type      FrameType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	MessageID string      `json:"message_id"`
}

// NewFrame builds a frame with a server timestamp and a short message id
func NewFrame(t FrameType, data interface{}) *Frame {
	return &Frame{
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.NewString()[:8],
	}
}

// IncomingFrame is the shape of client frames before dispatch
type IncomingFrame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SubscribeData carries subscribe/unsubscribe targets
type SubscribeData struct {
	TaskIDs  []string `json:"task_ids,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// PingData echoes a client timestamp for RTT measurement
type PingData struct {
	Timestamp string `json:"timestamp,omitempty"`
}

// GetStatusData asks for the current progress of a set of tasks
type GetStatusData struct {
	TaskIDs []string `json:"task_ids"`
}

// ConnectedData is the welcome frame payload
type ConnectedData struct {
	ClientID          string          `json:"client_id"`
	Authenticated     bool            `json:"authenticated"`
	ServerTime        time.Time       `json:"server_time"`
	AvailableChannels []Channel       `json:"available_channels"`
	HeartbeatInterval int             `json:"heartbeat_interval"`
	Features          map[string]bool `json:"features"`
}

// ProgressUpdateData is the payload for progress_update and stage_update frames
type ProgressUpdateData struct {
	TaskID   string             `json:"task_id"`
	Kind     TaskKind           `json:"kind"`
	Event    EventType          `json:"event"`
	Stage    string             `json:"stage,omitempty"`
	Message  string             `json:"message,omitempty"`
	Error    string             `json:"error,omitempty"`
	Progress *AggregateProgress `json:"progress,omitempty"`
}

// StatusResponseData answers a get_status frame
type StatusResponseData struct {
	Tasks map[string]*AggregateProgress `json:"tasks"`
}

// ErrorData is the payload of an error frame
type ErrorData struct {
	Message string `json:"message"`
}

// Websocket close codes used by the hub
const (
	CloseNormal            = 1000
	CloseProtocolViolation = 1002
	CloseCapacity          = 1013
)
