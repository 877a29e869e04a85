// Package api implements the gateway's status HTTP server.
//
// Endpoints (all under /api/v1):
//   - GET /health   - 200 when the Home Assistant session is connected,
//     503 "degraded" otherwise, with per-component states
//   - GET /stats    - transport, relay, journal and runtime counters
//   - GET /commands - page of the command journal (404 when disabled)
//
// The middleware stack adds a request ID, request logging, panic recovery
// and CORS headers.
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
