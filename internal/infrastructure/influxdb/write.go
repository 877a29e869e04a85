package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementCommand    = "hass_command"
	MeasurementConnection = "hass_connection"
)

// WriteCommandMetric records one finished transport call.
//
// Tags: transport (websocket|rest), command, outcome.
// Field: duration_ms.
//
// Example:
//
//	client.WriteCommandMetric("websocket", "get_states", "ok", 12*time.Millisecond)
func (c *Client) WriteCommandMetric(transport, command, outcome string, duration time.Duration) {
	c.WritePoint(MeasurementCommand,
		map[string]string{
			"transport": transport,
			"command":   command,
			"outcome":   outcome,
		},
		map[string]any{
			"duration_ms": float64(duration.Microseconds()) / 1000,
		},
	)
}

// WriteConnectionMetric records a WebSocket session state change.
// backoff is the delay about to be waited (0 outside reconnecting).
func (c *Client) WriteConnectionMetric(state string, backoff time.Duration) {
	c.WritePoint(MeasurementConnection,
		map[string]string{
			"state": state,
		},
		map[string]any{
			"backoff_ms": backoff.Milliseconds(),
		},
	)
}

// WritePoint writes a point timestamped now. Dropped silently when
// disconnected.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	// Held across the write so Close cannot shut the write API underneath it.
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
