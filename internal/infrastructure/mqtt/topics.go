package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the Home Assistant gateway.
//
// All gateway topics live under graylogic/hass:
//
//	graylogic/hass/gateway/status          gateway process (LWT)
//	graylogic/hass/status                  Home Assistant session state
//	graylogic/hass/event/{event_type}      relayed Home Assistant events
//	graylogic/hass/command/{domain}/{svc}  inbound service calls
//	graylogic/hass/ack/{request_id}        service call results
const (
	// TopicPrefix is the base for all gateway topics.
	TopicPrefix = "graylogic/hass"
)

// Topics provides builders for gateway MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	eventTopic := topics.Event("state_changed")
//	// Returns: "graylogic/hass/event/state_changed"
type Topics struct{}

// GatewayStatus returns the retained topic carrying the gateway process
// status. The broker publishes the LWT here if the gateway dies.
//
// Example: graylogic/hass/gateway/status
func (Topics) GatewayStatus() string {
	return TopicPrefix + "/gateway/status"
}

// SessionStatus returns the retained topic carrying the Home Assistant
// WebSocket session state.
//
// Example: graylogic/hass/status
func (Topics) SessionStatus() string {
	return TopicPrefix + "/status"
}

// Event returns the topic for a relayed Home Assistant event.
//
// Example: graylogic/hass/event/state_changed
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, sanitizeLevel(eventType))
}

// Command returns the topic on which service calls are accepted.
//
// Example: graylogic/hass/command/light/turn_on
func (Topics) Command(domain, service string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, sanitizeLevel(domain), sanitizeLevel(service))
}

// Ack returns the topic on which a service call result is published.
//
// Example: graylogic/hass/ack/req-1a2b3c4d
func (Topics) Ack(requestID string) string {
	return fmt.Sprintf("%s/ack/%s", TopicPrefix, sanitizeLevel(requestID))
}

// AllCommands returns the wildcard subscription for every service call topic.
//
// Example: graylogic/hass/command/+/+
func (Topics) AllCommands() string {
	return TopicPrefix + "/command/+/+"
}

// AllEvents returns the wildcard subscription for every relayed event.
//
// Example: graylogic/hass/event/+
func (Topics) AllEvents() string {
	return TopicPrefix + "/event/+"
}

// ParseCommand extracts domain and service from a command topic.
// Returns false if topic is not a command topic.
func (Topics) ParseCommand(topic string) (domain, service string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefix+"/command/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// sanitizeLevel keeps a value within a single topic level: wildcards and
// separators are replaced so untrusted names cannot widen a subscription.
func sanitizeLevel(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
