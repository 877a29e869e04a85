// Package hass provides the two transports Gray Logic uses to talk to a
// Home Assistant instance.
//
// This package manages:
//   - RESTClient: stateless, pooled HTTP client with bearer-token auth
//   - WSClient: a single authenticated WebSocket session multiplexing many
//     in-flight commands, with automatic reconnection
//   - A shared error taxonomy (ErrConnection, ErrAuth, ErrNotFound,
//     ErrValidation, ErrConnectionLost)
//
// # Architecture
//
// Tool callers issue one logical command per call and interpret the
// structured result. Neither transport caches or interprets responses.
//
//	callers → RESTClient ─ HTTP ─┐
//	                             ├─ Home Assistant
//	callers → WSClient ── WS ────┘
//
// The WebSocket session correlates responses to callers by a strictly
// increasing integer ID. A supervisor goroutine owns the socket: it runs the
// reader, fails every pending command with ErrConnectionLost when the socket
// dies, then reconnects with exponential backoff (1s doubling to 60s) until it
// succeeds or Disconnect is called. Commands in flight at the time of a drop
// are failed, never re-sent.
//
// # Concurrency limits
//
//   - RESTClient: at most 5 outstanding HTTP requests
//   - WSClient: at most 10 in-flight commands
//
// Permits are acquired with the caller's context and released on every exit
// path.
//
// # Usage
//
//	ws := hass.NewWSClient(cfg.Hass.WebSocketURL(), cfg.Hass.Token, hass.WSOptions{})
//	if err := ws.Connect(ctx); err != nil {
//	    return err
//	}
//	defer ws.Disconnect()
//
//	states, err := ws.SendCommand(ctx, "get_states", nil)
//
//	rest := hass.NewRESTClient(cfg.Hass.BaseURL(), cfg.Hass.Token, hass.RESTOptions{})
//	rest.Connect()
//	defer rest.Disconnect()
//	state, err := rest.GetState(ctx, "light.kitchen")
package hass
