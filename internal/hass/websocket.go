package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
)

// State is the lifecycle state of a WSClient session.
type State int32

const (
	// StateDisconnected means no socket is open and none is being opened.
	StateDisconnected State = iota
	// StateConnecting means the socket is being dialled.
	StateConnecting
	// StateAuthenticating means the auth handshake is in progress.
	StateAuthenticating
	// StateConnected means the session is authenticated and the reader is running.
	StateConnected
	// StateReconnecting means the supervisor is waiting out a backoff delay.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// WSStats holds operational statistics for a WSClient.
type WSStats struct {
	State            string        `json:"state"`
	Connected        bool          `json:"connected"`
	CommandsSent     uint64        `json:"commands_sent"`
	Responses        uint64        `json:"responses"`
	Timeouts         uint64        `json:"timeouts"`
	Rejected         uint64        `json:"rejected"`
	LateResponses    uint64        `json:"late_responses"`
	ConnectionLosses uint64        `json:"connection_losses"`
	Reconnects       uint64        `json:"reconnects"`
	EventsReceived   uint64        `json:"events_received"`
	EventsDropped    uint64        `json:"events_dropped"`
	Pending          int           `json:"pending"`
	Backoff          time.Duration `json:"backoff_ns"`
}

// WSClient is a persistent, authenticated session with the Home Assistant
// WebSocket API.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Callbacks are invoked with panic recovery and must not block.
//
// Auto-Reconnection:
//   - When the socket drops, every in-flight command fails with
//     ErrConnectionLost and the supervisor reconnects with exponential
//     backoff (InitialBackoff doubling to MaxBackoff).
//   - Reconnection stops only when Disconnect() is called.
type WSClient struct {
	url   string
	token string
	opts  WSOptions

	sem     *semaphore.Weighted
	pending *pendingTable
	nextID  atomic.Int64
	state   atomic.Int32

	// lifecycleMu serialises Connect and Disconnect.
	lifecycleMu sync.Mutex

	// mu guards the connection state below.
	mu              sync.Mutex
	conn            *websocket.Conn
	connected       bool
	shouldReconnect bool
	backoff         time.Duration
	cancel          context.CancelFunc

	// writeMu serialises frame writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	// Supervisor and event worker.
	wg     sync.WaitGroup
	events chan Event

	// Callbacks for connection events (optional).
	onConnect      func()
	onDisconnect   func(err error)
	onReconnecting func(attempt int, delay time.Duration)
	onEvent        func(Event)
	onCommand      func(CommandStats)
	callbackMu     sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex

	// Statistics.
	commandsSent     atomic.Uint64
	responses        atomic.Uint64
	timeouts         atomic.Uint64
	rejected         atomic.Uint64
	lateResponses    atomic.Uint64
	connectionLosses atomic.Uint64
	reconnects       atomic.Uint64
	eventsReceived   atomic.Uint64
	eventsDropped    atomic.Uint64
}

// NewWSClient creates a client for the given WebSocket URL
// (e.g. ws://homeassistant.local:8123/api/websocket). It does not connect.
func NewWSClient(url, token string, opts WSOptions) *WSClient {
	opts = opts.withDefaults()
	return &WSClient{
		url:     url,
		token:   token,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxInFlight)),
		pending: newPendingTable(),
		backoff: opts.InitialBackoff,
		events:  make(chan Event, eventQueueSize),
	}
}

// Connect opens the socket, performs the auth handshake and starts the
// supervisor.
//
// Returns:
//   - ErrAuth if Home Assistant answers auth_invalid (no retry)
//   - ErrConnection if the socket cannot be opened or the handshake is
//     malformed
//   - ErrConnection if the client is already running but between sockets;
//     the supervisor keeps reconnecting, so wait for OnConnect
//
// Calling Connect on a connected client is a no-op.
func (c *WSClient) Connect(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	running, connected := c.cancel != nil, c.connected
	c.mu.Unlock()
	if running {
		if !connected {
			return fmt.Errorf("%w: reconnect in progress", ErrConnection)
		}
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.shouldReconnect = true
	c.backoff = c.opts.InitialBackoff
	c.cancel = cancel
	c.mu.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.supervise(runCtx, conn)
	go c.eventWorker(runCtx)

	c.logInfo("connected to Home Assistant WebSocket API", "url", c.url)
	c.notifyConnect()
	return nil
}

// Disconnect stops reconnection, waits for the reader to exit, closes the
// socket and fails any remaining commands with ErrConnectionLost.
// Safe to call multiple times.
func (c *WSClient) Disconnect() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	c.shouldReconnect = false
	c.connected = false
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.mu.Unlock()

	disconnectErr := fmt.Errorf("%w: client disconnected", ErrConnectionLost)
	failed := 0
	if cancel != nil {
		cancel()
		if conn != nil {
			// Unblocks the reader without tearing the socket down under it.
			_ = conn.SetReadDeadline(time.Now()) //nolint:errcheck // best effort wake-up
		}
		// An OnConnect goroutine may be waiting on a command; release it
		// before waiting for it.
		failed = c.pending.failAll(disconnectErr)
		c.wg.Wait()
	}

	c.mu.Lock()
	conn = c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)) //nolint:errcheck // peer may already be gone
		_ = conn.Close()
	}

	failed += c.pending.failAll(disconnectErr)
	c.setState(StateDisconnected)
	if cancel != nil {
		c.logInfo("disconnected from Home Assistant WebSocket API", "failed_commands", failed)
	}
	return nil
}

// SendCommand sends a command and waits up to the default command timeout
// for its response. fields are merged into the outgoing message; id and
// type are reserved.
//
// Returns the "result" member of the response (or the whole frame when it
// has none).
//
// Errors:
//   - ErrConnection if the client is not connected
//   - *CommandError (matches ErrConnection) if the server answers success=false
//   - ErrTimeout if no response arrives in time
//   - ErrConnectionLost if the send fails or the socket drops while waiting
//   - ctx.Err() if the caller's context ends first
func (c *WSClient) SendCommand(ctx context.Context, msgType string, fields map[string]any) (json.RawMessage, error) {
	return c.SendCommandWithTimeout(ctx, msgType, c.opts.CommandTimeout, fields)
}

// SendCommandWithTimeout is SendCommand with an explicit response timeout.
// A non-positive timeout selects the default.
func (c *WSClient) SendCommandWithTimeout(ctx context.Context, msgType string, timeout time.Duration, fields map[string]any) (json.RawMessage, error) {
	if !c.IsConnected() {
		return nil, fmt.Errorf("%w: not connected to Home Assistant", ErrConnection)
	}
	if timeout <= 0 {
		timeout = c.opts.CommandTimeout
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	start := time.Now()
	id, result, err := c.roundTrip(ctx, msgType, timeout, fields)
	c.notifyCommand(CommandStats{
		ID:       id,
		Type:     msgType,
		Duration: time.Since(start),
		Err:      err,
	})
	return result, err
}

// roundTrip registers a pending request, writes the command and waits for
// the pending request to be fulfilled.
func (c *WSClient) roundTrip(ctx context.Context, msgType string, timeout time.Duration, fields map[string]any) (int64, json.RawMessage, error) {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return 0, nil, fmt.Errorf("%w: not connected to Home Assistant", ErrConnection)
	}
	conn := c.conn
	id := c.nextID.Add(1)
	p := newPendingRequest(id, msgType)
	c.pending.add(p)
	c.mu.Unlock()

	data, err := buildCommand(id, msgType, fields)
	if err != nil {
		c.pending.remove(p)
		return id, nil, fmt.Errorf("hass: encoding %s command: %w", msgType, err)
	}

	if err := c.write(conn, data); err != nil {
		c.pending.remove(p)
		return id, nil, fmt.Errorf("%w: sending %s: %w", ErrConnectionLost, msgType, err)
	}
	c.commandsSent.Add(1)
	c.logDebug("sent command", "id", id, "type", msgType)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.Done():
	case <-timer.C:
		c.pending.remove(p)
		timeoutErr := fmt.Errorf("%w: %s (id %d) after %v: %w", ErrTimeout, msgType, id, timeout, context.DeadlineExceeded)
		if p.fail(timeoutErr) {
			c.timeouts.Add(1)
		}
	case <-ctx.Done():
		c.pending.remove(p)
		p.fail(ctx.Err())
	}

	// p is fulfilled here; a response that beat the timer wins.
	if p.err != nil {
		return id, nil, p.err
	}

	resp := p.resp
	if !resp.succeeded() {
		c.rejected.Add(1)
		cmdErr := &CommandError{Command: msgType, Code: "unknown", Message: "Unknown error"}
		if resp.Error != nil {
			if resp.Error.Code != "" {
				cmdErr.Code = resp.Error.Code
			}
			if resp.Error.Message != "" {
				cmdErr.Message = resp.Error.Message
			}
		}
		return id, nil, cmdErr
	}

	return id, resp.payload(), nil
}

// write sends one text frame.
func (c *WSClient) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a ping command; Home Assistant answers with pong.
func (c *WSClient) Ping(ctx context.Context) error {
	_, err := c.SendCommand(ctx, msgTypePing, nil)
	return err
}

// SubscribeEvents subscribes to pushed events of eventType (all events when
// empty). Subscriptions die with the socket; re-subscribe from SetOnConnect.
func (c *WSClient) SubscribeEvents(ctx context.Context, eventType string) error {
	var fields map[string]any
	if eventType != "" {
		fields = map[string]any{"event_type": eventType}
	}
	_, err := c.SendCommand(ctx, commandSubscribeEvents, fields)
	return err
}

// HealthCheck verifies the session is connected and answering.
func (c *WSClient) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("hass websocket health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return fmt.Errorf("%w: not connected to Home Assistant", ErrConnection)
	}
	return c.Ping(ctx)
}

// IsConnected reports whether the session is authenticated and usable.
func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.conn != nil
}

// State returns the current lifecycle state.
func (c *WSClient) State() State {
	return State(c.state.Load())
}

func (c *WSClient) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logDebug("websocket state changed", "from", old.String(), "to", s.String())
	}
}

// Stats returns a snapshot of operational statistics.
func (c *WSClient) Stats() WSStats {
	c.mu.Lock()
	backoff := c.backoff
	connected := c.connected && c.conn != nil
	c.mu.Unlock()

	return WSStats{
		State:            c.State().String(),
		Connected:        connected,
		CommandsSent:     c.commandsSent.Load(),
		Responses:        c.responses.Load(),
		Timeouts:         c.timeouts.Load(),
		Rejected:         c.rejected.Load(),
		LateResponses:    c.lateResponses.Load(),
		ConnectionLosses: c.connectionLosses.Load(),
		Reconnects:       c.reconnects.Load(),
		EventsReceived:   c.eventsReceived.Load(),
		EventsDropped:    c.eventsDropped.Load(),
		Pending:          c.pending.len(),
		Backoff:          backoff,
	}
}

// SetOnConnect sets a callback invoked after the initial connect and after
// every successful reconnect. The reader is already running when it is
// called, so the callback may issue commands synchronously.
func (c *WSClient) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback invoked when the socket is lost.
func (c *WSClient) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetOnReconnecting sets a callback invoked before each reconnect attempt
// with the attempt number and the delay about to be waited.
func (c *WSClient) SetOnReconnecting(callback func(attempt int, delay time.Duration)) {
	c.callbackMu.Lock()
	c.onReconnecting = callback
	c.callbackMu.Unlock()
}

// SetOnEvent sets the handler for server-pushed events. Events are queued
// and delivered on a worker goroutine; when the queue is full they are
// dropped.
func (c *WSClient) SetOnEvent(callback func(Event)) {
	c.callbackMu.Lock()
	c.onEvent = callback
	c.callbackMu.Unlock()
}

// SetOnCommand sets a callback invoked on the caller's goroutine after every
// SendCommand that reached the wire or failed trying.
func (c *WSClient) SetOnCommand(callback func(CommandStats)) {
	c.callbackMu.Lock()
	c.onCommand = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger. If not set, the client is silent.
func (c *WSClient) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *WSClient) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *WSClient) logDebug(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (c *WSClient) logInfo(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Info(msg, args...)
	}
}

func (c *WSClient) logWarn(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}

func (c *WSClient) logError(msg string, args ...any) {
	if l := c.getLogger(); l != nil {
		l.Error(msg, args...)
	}
}

// safeCall runs a user callback with panic recovery.
func (c *WSClient) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logError("callback panic recovered", "callback", name, "panic", r)
		}
	}()
	fn()
}

func (c *WSClient) notifyConnect() {
	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		c.safeCall("on_connect", callback)
	}
}

func (c *WSClient) notifyDisconnect(err error) {
	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		c.safeCall("on_disconnect", func() { callback(err) })
	}
}

func (c *WSClient) notifyReconnecting(attempt int, delay time.Duration) {
	c.callbackMu.RLock()
	callback := c.onReconnecting
	c.callbackMu.RUnlock()
	if callback != nil {
		c.safeCall("on_reconnecting", func() { callback(attempt, delay) })
	}
}

func (c *WSClient) notifyCommand(stats CommandStats) {
	c.callbackMu.RLock()
	callback := c.onCommand
	c.callbackMu.RUnlock()
	if callback != nil {
		c.safeCall("on_command", func() { callback(stats) })
	}
}
