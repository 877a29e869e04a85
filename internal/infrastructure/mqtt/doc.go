// Package mqtt provides MQTT connectivity for the Home Assistant gateway.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing of session status, relayed events and service call acks
//   - Tracked subscriptions (service call commands) restored on reconnect
//   - Last Will and Testament (LWT) for gateway offline detection
//
// # Architecture
//
// The gateway bridges Home Assistant onto the Gray Logic MQTT bus:
//
//	Home Assistant ↔ hass transports ↔ relay ↔ MQTT Broker ↔ Gray Logic
//
// Topic layout is defined by Topics; everything lives under graylogic/hass.
//
// # Security Considerations
//
//   - Use TLS outside local development (cfg.Broker.TLS=true)
//   - Command topics are an actuation surface: restrict them with broker ACLs
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(mqtt.Topics{}.SessionStatus(), status, true)
package mqtt
