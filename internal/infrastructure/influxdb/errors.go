package influxdb

import "errors"

// Sentinel errors, matched with errors.Is.
var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	// The gateway then runs without transport metrics.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed wraps the ping failure from Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck after Close.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrWriteFailed wraps batch failures delivered to the SetOnError
	// callback. Metric writes themselves never return errors.
	ErrWriteFailed = errors.New("influxdb: write failed")
)
