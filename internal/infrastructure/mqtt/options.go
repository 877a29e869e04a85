package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-hass/internal/infrastructure/config"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // ms
	defaultKeepAlive         = 60 * time.Second

	maxQoS        = 2
	tlsMinVersion = tls.VersionTLS12

	// statusQoS is used for the retained gateway status and the will.
	statusQoS = 1
)

// Gateway status reasons.
const (
	reasonUnexpected = "unexpected_disconnect"
	reasonShutdown   = "graceful_shutdown"
)

// gatewayStatus is the retained payload on Topics.GatewayStatus. It reports
// the broker link only; the Home Assistant session has its own topic.
type gatewayStatus struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (s gatewayStatus) encode() string {
	s.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(s)
	if err != nil {
		// Only strings are marshalled; this cannot fail.
		return `{"status":"` + s.Status + `"}`
	}
	return string(data)
}

// buildClientOptions maps the mqtt config section onto paho options. paho
// owns broker reconnects (clean session, retry between the configured
// delays); Client restores subscriptions in its OnConnect handler.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// configureLWT registers the retained offline status the broker publishes
// if the gateway drops without a clean disconnect.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	payload := gatewayStatus{Status: "offline", ClientID: clientID, Reason: reasonUnexpected}.encode()
	opts.SetWill(Topics{}.GatewayStatus(), payload, statusQoS, true)
}

func buildOnlinePayload(clientID string) string {
	return gatewayStatus{Status: "online", ClientID: clientID}.encode()
}

func buildOfflinePayload(clientID string) string {
	return gatewayStatus{Status: "offline", ClientID: clientID, Reason: reasonShutdown}.encode()
}
