// Package relay bridges the Home Assistant session to MQTT.
//
// It publishes the retained session status, forwards pushed events and
// turns command messages into call_service requests with an ack per
// request.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-hass/internal/hass"
	"github.com/nerrad567/gray-logic-hass/internal/infrastructure/mqtt"
)

const (
	commandService = "call_service"
	subscribeQoS   = 1
)

// Publisher is the MQTT surface the relay needs. *mqtt.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Session is the Home Assistant surface the relay needs. *hass.WSClient
// satisfies it.
type Session interface {
	SendCommand(ctx context.Context, msgType string, fields map[string]any) (json.RawMessage, error)
	SubscribeEvents(ctx context.Context, eventType string) error
}

// Logger is the logging interface used by the relay.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures a Relay.
type Options struct {
	Publisher Publisher
	Session   Session

	// EventTypes are subscribed on every (re)connect. Empty means no
	// event forwarding.
	EventTypes []string

	// Commands enables the MQTT command bridge.
	Commands bool

	Logger Logger
}

// Stats is a snapshot of relay counters.
type Stats struct {
	EventsPublished uint64 `json:"events_published"`
	EventsSkipped   uint64 `json:"events_skipped"`
	PublishErrors   uint64 `json:"publish_errors"`
	CommandsHandled uint64 `json:"commands_handled"`
	CommandsFailed  uint64 `json:"commands_failed"`
}

// Relay forwards session state and events to MQTT and MQTT commands to
// Home Assistant.
//
// Thread Safety: all methods are safe for concurrent use. Publish failures
// are logged and counted; they never reach the transports.
type Relay struct {
	pub        Publisher
	session    Session
	eventTypes []string
	commands   bool
	topics     mqtt.Topics

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
	spawnMu   sync.Mutex
	stopped   bool

	logger   Logger
	loggerMu sync.RWMutex

	eventsPublished atomic.Uint64
	eventsSkipped   atomic.Uint64
	publishErrors   atomic.Uint64
	commandsHandled atomic.Uint64
	commandsFailed  atomic.Uint64
}

// New creates a relay. Call Start to subscribe to commands.
func New(opts Options) (*Relay, error) {
	if opts.Publisher == nil {
		return nil, fmt.Errorf("MQTT publisher is required")
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("hass session is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pub:        opts.Publisher,
		session:    opts.Session,
		eventTypes: append([]string(nil), opts.EventTypes...),
		commands:   opts.Commands,
		ctx:        ctx,
		ctxCancel:  cancel,
		logger:     opts.Logger,
	}, nil
}

// Start subscribes to the command topics when the command bridge is
// enabled. The MQTT client restores the subscription after reconnects.
func (r *Relay) Start() error {
	if !r.commands {
		return nil
	}

	topic := r.topics.AllCommands()
	if err := r.pub.Subscribe(topic, subscribeQoS, r.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	r.logInfo("subscribed to commands", "topic", topic)
	return nil
}

// Stop cancels in-flight commands, waits for them and publishes the
// offline status.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.spawnMu.Lock()
		r.stopped = true
		r.spawnMu.Unlock()

		r.ctxCancel()
		r.wg.Wait()

		if r.commands {
			if err := r.pub.Unsubscribe(r.topics.AllCommands()); err != nil {
				r.logDebug("unsubscribe commands failed", "error", err)
			}
		}
		r.publishStatus(StatusOffline, "shutdown")
		r.logInfo("relay stopped")
	})
}

// HandleConnect publishes the online status and re-subscribes the relayed
// event types. It returns immediately; subscriptions run in the background
// because the session invokes this callback on its reader goroutine.
func (r *Relay) HandleConnect() {
	r.publishStatus(StatusOnline, "")

	if len(r.eventTypes) == 0 {
		return
	}
	r.spawn(func() { r.subscribeEvents(r.ctx) })
}

// HandleDisconnect publishes the offline status with the loss reason.
func (r *Relay) HandleDisconnect(err error) {
	reason := "disconnected"
	if err != nil {
		reason = err.Error()
	}
	r.publishStatus(StatusOffline, reason)
}

// HandleEvent publishes ev to graylogic/hass/event/{event_type}.
func (r *Relay) HandleEvent(ev hass.Event) {
	if !r.pub.IsConnected() {
		r.eventsSkipped.Add(1)
		return
	}

	msg := EventMessage{
		EventType: ev.EventType,
		Data:      ev.Data,
		Origin:    ev.Origin,
		TimeFired: ev.TimeFired,
	}
	if err := r.pub.PublishJSON(r.topics.Event(ev.EventType), msg, false); err != nil {
		r.publishErrors.Add(1)
		r.logWarn("event publish failed", "event_type", ev.EventType, "error", err)
		return
	}
	r.eventsPublished.Add(1)
}

// Stats returns relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		EventsPublished: r.eventsPublished.Load(),
		EventsSkipped:   r.eventsSkipped.Load(),
		PublishErrors:   r.publishErrors.Load(),
		CommandsHandled: r.commandsHandled.Load(),
		CommandsFailed:  r.commandsFailed.Load(),
	}
}

// SetLogger sets the logger for the relay.
func (r *Relay) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	defer r.loggerMu.Unlock()
	r.logger = logger
}

func (r *Relay) subscribeEvents(ctx context.Context) {
	for _, eventType := range r.eventTypes {
		if err := r.session.SubscribeEvents(ctx, eventType); err != nil {
			if ctx.Err() != nil {
				return
			}
			// A lost connection triggers another HandleConnect after the
			// reconnect, which retries the subscription.
			r.logWarn("event subscription failed", "event_type", eventType, "error", err)
			continue
		}
		r.logDebug("subscribed to events", "event_type", eventType)
	}
}

func (r *Relay) publishStatus(status, reason string) {
	if !r.pub.IsConnected() {
		return
	}

	msg := StatusMessage{Status: status, Reason: reason, Timestamp: time.Now().UTC()}
	if err := r.pub.PublishJSON(r.topics.SessionStatus(), msg, true); err != nil {
		r.publishErrors.Add(1)
		r.logWarn("status publish failed", "status", status, "error", err)
	}
}

// handleCommand runs on the MQTT client's goroutine; the service call is
// handed to a worker so slow calls do not stall other subscriptions.
func (r *Relay) handleCommand(topic string, payload []byte) error {
	domain, service, ok := r.topics.ParseCommand(topic)
	if !ok {
		return fmt.Errorf("unexpected command topic %q", topic)
	}

	var cmd CommandMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &cmd); err != nil {
			requestID := recoverRequestID(payload)
			if requestID == "" {
				return fmt.Errorf("parsing command on %s: %w", topic, err)
			}
			r.commandsFailed.Add(1)
			r.publishAck(AckMessage{
				RequestID: requestID,
				Domain:    domain,
				Service:   service,
				Outcome:   hass.OutcomeValidation,
				Error:     "invalid command payload: " + err.Error(),
			})
			return nil
		}
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	if !r.spawn(func() { r.executeCommand(domain, service, cmd) }) {
		return errors.New("relay stopped")
	}
	return nil
}

func (r *Relay) executeCommand(domain, service string, cmd CommandMessage) {
	fields := map[string]any{
		"domain":  domain,
		"service": service,
	}
	if cmd.Data != nil {
		fields["service_data"] = cmd.Data
	}
	if cmd.Target != nil {
		fields["target"] = cmd.Target
	}

	r.logInfo("received command", "request_id", cmd.RequestID, "domain", domain, "service", service)

	start := time.Now()
	result, err := r.session.SendCommand(r.ctx, commandService, fields)
	elapsed := time.Since(start)

	ack := AckMessage{
		RequestID:  cmd.RequestID,
		Domain:     domain,
		Service:    service,
		Outcome:    hass.Outcome(err),
		DurationMS: float64(elapsed.Microseconds()) / 1000,
	}
	if err != nil {
		r.commandsFailed.Add(1)
		ack.Error = err.Error()
		r.logWarn("command failed", "request_id", cmd.RequestID, "outcome", ack.Outcome, "error", err)
	} else {
		r.commandsHandled.Add(1)
		ack.Result = result
	}
	r.publishAck(ack)
}

func (r *Relay) publishAck(ack AckMessage) {
	ack.Timestamp = time.Now().UTC()
	if err := r.pub.PublishJSON(r.topics.Ack(ack.RequestID), ack, false); err != nil {
		r.publishErrors.Add(1)
		r.logWarn("ack publish failed", "request_id", ack.RequestID, "error", err)
	}
}

// recoverRequestID pulls request_id out of a payload whose other fields
// failed to decode.
func recoverRequestID(payload []byte) string {
	var partial struct {
		RequestID json.RawMessage `json:"request_id"`
	}
	if json.Unmarshal(payload, &partial) != nil {
		return ""
	}
	var id string
	if json.Unmarshal(partial.RequestID, &id) != nil {
		return ""
	}
	return id
}

// spawn runs fn on a tracked goroutine unless the relay is stopping.
func (r *Relay) spawn(fn func()) bool {
	r.spawnMu.Lock()
	defer r.spawnMu.Unlock()

	if r.stopped {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

func (r *Relay) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

func (r *Relay) logDebug(msg string, args ...any) {
	if l := r.getLogger(); l != nil {
		l.Debug(msg, args...)
	}
}

func (r *Relay) logInfo(msg string, args ...any) {
	if l := r.getLogger(); l != nil {
		l.Info(msg, args...)
	}
}

func (r *Relay) logWarn(msg string, args ...any) {
	if l := r.getLogger(); l != nil {
		l.Warn(msg, args...)
	}
}
