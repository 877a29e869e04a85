package hass

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Default limits and timeouts.
const (
	// DefaultCommandTimeout is how long SendCommand waits for a response.
	DefaultCommandTimeout = 30 * time.Second

	// DefaultRequestTimeout bounds a single HTTP request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultHandshakeTimeout bounds dial plus the auth handshake.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultHTTPConcurrency is the RESTClient permit pool size.
	DefaultHTTPConcurrency = 5

	// DefaultWSConcurrency is the WSClient in-flight command limit.
	DefaultWSConcurrency = 10

	// DefaultInitialBackoff is the reconnect delay floor.
	DefaultInitialBackoff = 1 * time.Second

	// DefaultMaxBackoff caps the reconnect delay.
	DefaultMaxBackoff = 60 * time.Second

	// writeTimeout bounds a single WebSocket frame write.
	writeTimeout = 10 * time.Second

	// eventQueueSize is the buffer between the reader and the event worker.
	eventQueueSize = 100

	// maxErrorBodySize limits how much of a non-2xx body is kept in StatusError.
	maxErrorBodySize = 4096
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// WSOptions tunes a WSClient. Zero values select the defaults above.
type WSOptions struct {
	CommandTimeout   time.Duration
	HandshakeTimeout time.Duration
	MaxInFlight      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration

	// Dialer overrides the WebSocket dialer (tests, TLS settings).
	Dialer *websocket.Dialer
}

func (o WSOptions) withDefaults() WSOptions {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = DefaultWSConcurrency
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = o.HandshakeTimeout
		o.Dialer = &d
	}
	return o
}

// RESTOptions tunes a RESTClient. Zero values select the defaults above.
type RESTOptions struct {
	RequestTimeout time.Duration
	MaxConcurrent  int

	// Transport overrides the pooled HTTP transport (tests).
	Transport http.RoundTripper
}

func (o RESTOptions) withDefaults() RESTOptions {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultHTTPConcurrency
	}
	return o
}

// nextBackoff doubles the delay, bounded by limit.
func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit || next <= 0 {
		return limit
	}
	return next
}
