package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// dial opens a socket and runs the auth handshake. The returned connection
// is authenticated; on any failure the socket is closed.
func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.opts.Dialer.DialContext(dialCtx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // handshake response body is empty
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dialling %s: %w", ErrConnection, c.url, err)
	}

	c.setState(StateAuthenticating)

	// Cancelling ctx mid-handshake closes the socket to unblock reads.
	stop := context.AfterFunc(dialCtx, func() { _ = conn.Close() })

	err = c.authenticate(conn)
	if !stop() && err == nil {
		err = fmt.Errorf("%w: handshake aborted: %w", ErrConnection, dialCtx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// authenticate performs auth_required → auth → auth_ok.
func (c *WSClient) authenticate(conn *websocket.Conn) error {
	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	first, err := readHandshakeMessage(conn)
	if err != nil {
		return err
	}
	if first.Type != msgTypeAuthRequired {
		return fmt.Errorf("%w: expected %s, got %q", ErrConnection, msgTypeAuthRequired, first.Type)
	}

	auth, err := json.Marshal(authMessage{Type: msgTypeAuth, AccessToken: c.token})
	if err != nil {
		return fmt.Errorf("hass: encoding auth message: %w", err)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		return fmt.Errorf("%w: sending auth: %w", ErrConnection, err)
	}

	reply, err := readHandshakeMessage(conn)
	if err != nil {
		return err
	}
	switch reply.Type {
	case msgTypeAuthOK:
	case msgTypeAuthInvalid:
		msg := reply.Message
		if msg == "" {
			msg = "invalid access token"
		}
		return fmt.Errorf("%w: %s", ErrAuth, msg)
	default:
		return fmt.Errorf("%w: unexpected auth reply %q", ErrConnection, reply.Type)
	}

	// Clear handshake deadlines; the reader blocks indefinitely from here.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return nil
}

func readHandshakeMessage(conn *websocket.Conn) (*incomingMessage, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: reading handshake: %w", ErrConnection, err)
	}
	msg, err := parseIncoming(data)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed handshake message: %w", ErrConnection, err)
	}
	return msg, nil
}

// supervise owns the reader for the lifetime of a Connect. It runs the read
// loop, handles socket loss and drives reconnection until ctx is cancelled.
func (c *WSClient) supervise(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.readLoop(conn)
		if ctx.Err() != nil {
			// Disconnect owns teardown.
			return
		}

		c.connectionLost(conn, err)

		next, ok := c.reconnect(ctx)
		if !ok {
			return
		}
		conn = next
	}
}

// readLoop reads frames until the socket fails.
func (c *WSClient) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := parseIncoming(data)
		if err != nil {
			c.logWarn("discarding malformed frame", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch routes one frame: correlated responses fulfil their pending
// request, events go to the event queue, anything else is dropped.
func (c *WSClient) dispatch(msg *incomingMessage) {
	if msg.ID != nil {
		if p, ok := c.pending.take(*msg.ID); ok {
			if p.resolve(msg) {
				c.responses.Add(1)
			}
			return
		}
	}

	if msg.Type == msgTypeEvent {
		c.handleEvent(msg)
		return
	}

	if msg.ID != nil {
		c.lateResponses.Add(1)
		c.logDebug("discarding response for unknown or expired request", "id", *msg.ID, "type", msg.Type)
		return
	}
	c.logDebug("discarding unhandled message", "type", msg.Type)
}

// connectionLost marks the session down and fails every in-flight command.
func (c *WSClient) connectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()

	_ = conn.Close()
	c.setState(StateDisconnected)

	failed := c.pending.failAll(fmt.Errorf("%w: %w", ErrConnectionLost, cause))
	c.connectionLosses.Add(1)
	c.logWarn("websocket connection lost", "error", cause, "failed_commands", failed)
	c.notifyDisconnect(cause)
}

// reconnect waits out the backoff and re-dials until it succeeds or
// reconnection is stopped. The delay doubles after each failure up to
// MaxBackoff and resets to InitialBackoff on success.
func (c *WSClient) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	attempt := 0
	for {
		c.mu.Lock()
		should := c.shouldReconnect
		delay := c.backoff
		c.mu.Unlock()
		if !should {
			return nil, false
		}

		attempt++
		c.setState(StateReconnecting)
		c.logInfo("reconnecting to Home Assistant", "attempt", attempt, "backoff", delay)
		c.notifyReconnecting(attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			c.mu.Lock()
			c.backoff = nextBackoff(c.backoff, c.opts.MaxBackoff)
			c.mu.Unlock()
			c.logWarn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.mu.Lock()
		if !c.shouldReconnect {
			c.mu.Unlock()
			_ = conn.Close()
			return nil, false
		}
		c.conn = conn
		c.connected = true
		c.backoff = c.opts.InitialBackoff
		c.mu.Unlock()

		c.reconnects.Add(1)
		c.setState(StateConnected)
		c.logInfo("reconnected to Home Assistant", "attempts", attempt)

		// Reading resumes only after this returns; the callback runs beside
		// it. The supervisor holds wg, so this Add cannot race Wait.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if c.IsConnected() {
				c.notifyConnect()
			}
		}()
		return conn, true
	}
}
