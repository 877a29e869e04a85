// Package influxdb records Home Assistant transport metrics in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health checks.
//
// # Measurements
//
//   - hass_command: one point per WebSocket command or REST request, tagged
//     with transport, command and outcome; field duration_ms
//   - hass_connection: one point per session state change, tagged with
//     state; field backoff_ms
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteCommandMetric("rest", "GET /api/states", "ok", elapsed)
//
// # Error Handling
//
// Writes never block the transports. Batch failures are reported through
// SetOnError; connection and health check errors are returned directly.
package influxdb
