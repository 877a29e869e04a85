package main

import (
	"time"

	"github.com/nerrad567/gray-logic-hass/internal/hass"
	"github.com/nerrad567/gray-logic-hass/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hass/internal/journal"
	"github.com/nerrad567/gray-logic-hass/internal/relay"
)

// metricsWriter is the slice of the InfluxDB client the hooks use.
type metricsWriter interface {
	WriteCommandMetric(transport, command, outcome string, duration time.Duration)
	WriteConnectionMetric(state string, backoff time.Duration)
}

// sinks fans transport callbacks out to the optional components. Any of
// them may be nil.
type sinks struct {
	log      *logging.Logger
	metrics  metricsWriter
	recorder *journal.Recorder
	relay    *relay.Relay
}

// wire registers the callbacks. It must run before the session connects
// so the first onConnect reaches the relay.
func (s *sinks) wire(ws *hass.WSClient, rest *hass.RESTClient) {
	ws.SetOnCommand(s.onCommand)
	ws.SetOnConnect(s.onConnect)
	ws.SetOnDisconnect(s.onDisconnect)
	ws.SetOnReconnecting(s.onReconnecting)
	if s.relay != nil {
		ws.SetOnEvent(s.relay.HandleEvent)
	}
	rest.SetOnRequest(s.onRequest)
}

func (s *sinks) onCommand(stats hass.CommandStats) {
	if s.metrics != nil {
		s.metrics.WriteCommandMetric(hass.TransportWebSocket, stats.Type, hass.Outcome(stats.Err), stats.Duration)
	}
	if s.recorder != nil {
		s.recorder.Record(journal.FromCommand(stats))
	}
}

func (s *sinks) onRequest(stats hass.RequestStats) {
	if s.metrics != nil {
		s.metrics.WriteCommandMetric(hass.TransportREST, stats.Command(), hass.Outcome(stats.Err), stats.Duration)
	}
	if s.recorder != nil {
		s.recorder.Record(journal.FromRequest(stats))
	}
}

func (s *sinks) onConnect() {
	if s.metrics != nil {
		s.metrics.WriteConnectionMetric(hass.StateConnected.String(), 0)
	}
	if s.relay != nil {
		s.relay.HandleConnect()
	}
}

func (s *sinks) onDisconnect(err error) {
	if s.metrics != nil {
		s.metrics.WriteConnectionMetric(hass.StateDisconnected.String(), 0)
	}
	if s.relay != nil {
		s.relay.HandleDisconnect(err)
	}
}

func (s *sinks) onReconnecting(attempt int, delay time.Duration) {
	if s.log != nil {
		s.log.Info("reconnecting to Home Assistant", "attempt", attempt, "delay", delay)
	}
	if s.metrics != nil {
		s.metrics.WriteConnectionMetric(hass.StateReconnecting.String(), delay)
	}
}
