package mqtt

import "errors"

// Sentinel errors, matched with errors.Is. Publish and subscribe failures
// wrap the paho token error or a timeout.
var (
	ErrNotConnected      = errors.New("mqtt: client not connected")
	ErrConnectionFailed  = errors.New("mqtt: connection failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")

	// ErrInvalidQoS rejects QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic rejects empty topics. Relay topics are built by
	// Topics and never empty.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)
