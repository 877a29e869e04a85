// Gray Logic HASS Gateway
//
// graylogic-hass keeps an authenticated session with a Home Assistant
// instance, relays its events and state onto the Gray Logic MQTT bus, and
// records every command it issues.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	_ "github.com/nerrad567/gray-logic-hass/migrations"

	"github.com/nerrad567/gray-logic-hass/internal/api"
	"github.com/nerrad567/gray-logic-hass/internal/hass"
	"github.com/nerrad567/gray-logic-hass/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hass/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-hass/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-hass/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hass/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-hass/internal/journal"
	"github.com/nerrad567/gray-logic-hass/internal/relay"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// options are the command line flags.
type options struct {
	configPath  string
	logLevel    string
	showVersion bool
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("graylogic-hass %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("graylogic-hass", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to config file (default $GRAYLOGIC_CONFIG or "+defaultConfigPath+")")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", extra[0])
	}
	if opts.configPath == "" {
		opts.configPath = getConfigPath()
	}
	return opts, nil
}

// getConfigPath returns GRAYLOGIC_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// run is the application, separated from main for testability. It returns
// nil on a clean shutdown.
func run(ctx context.Context, opts options) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting Gray Logic HASS gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", opts.configPath, "hass_url", cfg.HASS.BaseURL())

	hooks := &sinks{log: log}
	components := map[string]api.HealthChecker{}

	// Command journal (optional)
	var repo journal.Repository
	if cfg.Database.Enabled {
		db, dbErr := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if dbErr != nil {
			return fmt.Errorf("opening database: %w", dbErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("command journal ready", "path", cfg.Database.Path)

		sqliteRepo := journal.NewSQLiteRepository(db.DB)
		repo = sqliteRepo
		hooks.recorder = journal.NewRecorder(sqliteRepo, journal.DefaultQueueSize, log)
		defer hooks.recorder.Close()
		components["database"] = db
	}

	// Metrics (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		hooks.metrics = influxClient
		components["influxdb"] = influxClient
	}

	// MQTT bus (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		components["mqtt"] = mqttClient
	}

	// Home Assistant transports
	rest := hass.NewRESTClient(cfg.HASS.BaseURL(), cfg.HASS.Token, hass.RESTOptions{
		RequestTimeout: cfg.HASS.GetRequestTimeout(),
		MaxConcurrent:  cfg.HASS.HTTPConcurrency,
	})
	rest.SetLogger(log)
	if err := rest.Connect(); err != nil {
		return fmt.Errorf("preparing REST client: %w", err)
	}
	defer func() {
		if closeErr := rest.Disconnect(); closeErr != nil {
			log.Error("error closing REST client", "error", closeErr)
		}
	}()

	ws := hass.NewWSClient(cfg.HASS.WebSocketURL(), cfg.HASS.Token, hass.WSOptions{
		CommandTimeout:   cfg.HASS.GetCommandTimeout(),
		HandshakeTimeout: cfg.HASS.GetHandshakeTimeout(),
		MaxInFlight:      cfg.HASS.WSConcurrency,
		InitialBackoff:   cfg.HASS.GetInitialBackoff(),
		MaxBackoff:       cfg.HASS.GetMaxBackoff(),
	})
	ws.SetLogger(log)
	defer func() {
		log.Info("closing Home Assistant session")
		if closeErr := ws.Disconnect(); closeErr != nil {
			log.Error("error closing session", "error", closeErr)
		}
	}()

	// Relay (requires MQTT)
	if mqttClient != nil {
		r, relayErr := relay.New(relay.Options{
			Publisher:  mqttClient,
			Session:    ws,
			EventTypes: cfg.MQTT.RelayEvents,
			Commands:   cfg.MQTT.Commands,
			Logger:     log,
		})
		if relayErr != nil {
			return fmt.Errorf("creating relay: %w", relayErr)
		}
		if startErr := r.Start(); startErr != nil {
			return fmt.Errorf("starting relay: %w", startErr)
		}
		defer r.Stop()
		hooks.relay = r
	} else {
		log.Info("MQTT disabled, relay not started")
	}

	hooks.wire(ws, rest)

	// Status API (optional), started before the session so a degraded
	// startup is visible.
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:     cfg.API,
			Logger:     log,
			Version:    version,
			Session:    ws,
			REST:       rest,
			Journal:    repo,
			Recorder:   hooks.recorder,
			Relay:      hooks.relay,
			Components: components,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := connectSession(ctx, ws, cfg.HASS.GetInitialBackoff(), cfg.HASS.GetMaxBackoff(), log); err != nil {
		if ctx.Err() != nil {
			log.Info("shutdown requested before session was established")
			return nil
		}
		return err
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: API, relay, session, REST, MQTT,
	// InfluxDB, journal recorder, database.
	return nil
}

// connectSession opens the first session, retrying connection failures
// with backoff. Authentication failures are returned immediately: a bad
// token will not fix itself. Once connected, the client reconnects on its
// own.
func connectSession(ctx context.Context, ws *hass.WSClient, initial, maxDelay time.Duration, log *logging.Logger) error {
	delay := initial
	for attempt := 1; ; attempt++ {
		err := ws.Connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, hass.ErrAuth) {
			return fmt.Errorf("authenticating with Home Assistant: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn("Home Assistant unreachable, retrying", "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
