package relay

import (
	"encoding/json"
	"time"
)

// Session status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusMessage is the retained session status payload.
type StatusMessage struct {
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventMessage is the payload published for each Home Assistant event.
type EventMessage struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	TimeFired string          `json:"time_fired,omitempty"`
}

// CommandMessage is received on graylogic/hass/command/{domain}/{service}.
type CommandMessage struct {
	// RequestID correlates the ack. Generated when empty.
	RequestID string         `json:"request_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Target    map[string]any `json:"target,omitempty"`
}

// AckMessage is published on graylogic/hass/ack/{request_id}.
type AckMessage struct {
	RequestID  string          `json:"request_id"`
	Domain     string          `json:"domain"`
	Service    string          `json:"service"`
	Outcome    string          `json:"outcome"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	DurationMS float64         `json:"duration_ms"`
	Timestamp  time.Time       `json:"timestamp"`
}
