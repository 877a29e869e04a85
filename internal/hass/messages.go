package hass

import (
	"encoding/json"
	"strings"
	"time"
)

// WebSocket message types.
const (
	msgTypeAuthRequired = "auth_required"
	msgTypeAuth         = "auth"
	msgTypeAuthOK       = "auth_ok"
	msgTypeAuthInvalid  = "auth_invalid"
	msgTypeResult       = "result"
	msgTypeEvent        = "event"
	msgTypePing         = "ping"
	msgTypePong         = "pong"

	// Commands with helpers on WSClient.
	commandSubscribeEvents = "subscribe_events"
)

// authMessage is the client's reply to auth_required.
type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// serverError is the error object of a failed result.
type serverError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// incomingMessage covers every server→client frame: auth phase messages,
// correlated results and pushed events.
type incomingMessage struct {
	ID      *int64          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *serverError    `json:"error,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`

	// raw is the undecoded frame, returned when a result carries no
	// "result" member.
	raw []byte
}

func parseIncoming(data []byte) (*incomingMessage, error) {
	var msg incomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	msg.raw = data
	return &msg, nil
}

// succeeded reports the success flag; a missing flag counts as success.
func (m *incomingMessage) succeeded() bool {
	return m.Success == nil || *m.Success
}

// payload returns the result member, or the whole frame when it is absent.
func (m *incomingMessage) payload() json.RawMessage {
	if len(m.Result) == 0 {
		return json.RawMessage(m.raw)
	}
	return m.Result
}

// buildCommand assembles {id, type, ...fields}. id and type always win over
// same-named fields.
func buildCommand(id int64, msgType string, fields map[string]any) ([]byte, error) {
	msg := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		msg[k] = v
	}
	msg["id"] = id
	msg["type"] = msgType
	return json.Marshal(msg)
}

// Event is a server-pushed event, typically from a subscribe_events
// subscription.
type Event struct {
	// SubscriptionID is the ID of the subscribe_events command, 0 if absent.
	SubscriptionID int64           `json:"-"`
	EventType      string          `json:"event_type"`
	Data           json.RawMessage `json:"data,omitempty"`
	Origin         string          `json:"origin,omitempty"`
	TimeFired      string          `json:"time_fired,omitempty"`
}

// CommandStats describes one finished SendCommand call.
type CommandStats struct {
	ID       int64
	Type     string
	Duration time.Duration
	Err      error
}

// Transport labels used when reporting stats.
const (
	TransportWebSocket = "websocket"
	TransportREST      = "rest"
)

// RequestStats describes one finished RESTClient request.
type RequestStats struct {
	Method     string
	Path       string
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Command labels the request as "METHOD /path" without the query string.
func (s RequestStats) Command() string {
	path, _, _ := strings.Cut(s.Path, "?")
	return s.Method + " " + path
}
