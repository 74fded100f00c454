// FleetLink Core - IoT fleet coordination service
//
// This is the main entry point for FleetLink Core. The service:
//   - Tracks device presence and telemetry arriving over MQTT
//   - Routes operator commands to devices and correlates acknowledgements
//   - Evaluates alert and automation rules on every reading
//   - Serves an operator REST API with a WebSocket event stream
//
// All fleet state is owned by a single dispatch loop; everything else
// talks to it through the loop's facade.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	_ "github.com/nerrad567/fleetlink-core/migrations"

	"github.com/nerrad567/fleetlink-core/internal/alert"
	"github.com/nerrad567/fleetlink-core/internal/api"
	"github.com/nerrad567/fleetlink-core/internal/automation"
	"github.com/nerrad567/fleetlink-core/internal/command"
	"github.com/nerrad567/fleetlink-core/internal/device"
	"github.com/nerrad567/fleetlink-core/internal/dispatch"
	"github.com/nerrad567/fleetlink-core/internal/fanout"
	"github.com/nerrad567/fleetlink-core/internal/infrastructure/config"
	"github.com/nerrad567/fleetlink-core/internal/infrastructure/database"
	"github.com/nerrad567/fleetlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleetlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/fleetlink-core/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultTokenTTL   = 24 * time.Hour

	// fanoutDrainTimeout bounds how long shutdown waits for queued side effects.
	fanoutDrainTimeout = 10 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command-line flags.
type options struct {
	configPath  string
	issueToken  string
	tokenTTL    time.Duration
	showVersion bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}

	flagSet := pflag.NewFlagSet("fleetlink", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file (default: $FLEETLINK_CONFIG or "+defaultConfigPath+")")
	flagSet.StringVar(&opts.issueToken, "issue-token", "", "print an operator token for SUBJECT and exit")
	flagSet.DurationVar(&opts.tokenTTL, "token-ttl", defaultTokenTTL, "lifetime of a token minted with --issue-token")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.tokenTTL <= 0 {
		return nil, fmt.Errorf("--token-ttl must be positive")
	}
	if opts.configPath == "" {
		opts.configPath = getConfigPath()
	}
	return opts, nil
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "fleetlink %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if opts.issueToken != "" {
		token, tokenErr := api.IssueToken(cfg.Security.JWT, opts.issueToken, opts.tokenTTL, time.Now())
		if tokenErr != nil {
			return fmt.Errorf("issuing token: %w", tokenErr)
		}
		fmt.Fprintln(stdout, token)
		return nil
	}

	log := logging.New(cfg.Logging, version)
	log.Info("starting FleetLink Core",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", opts.configPath,
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
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
	log.Info("database ready", "path", cfg.Database.Path)

	// Restore known devices. They come back offline until they speak again.
	deviceRepo := device.NewSQLiteRepository(db.DB)
	records, err := deviceRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	registry := device.NewRegistry(cfg.Registry.StaleThreshold, cfg.Registry.HistorySize)
	log.Info("device registry restored", "devices", registry.Restore(records))

	alerts, err := alert.NewEngine(alert.RulesFromConfig(cfg.Alerts.Rules), cfg.MQTT.Broker.ClientID)
	if err != nil {
		return fmt.Errorf("compiling alert rules: %w", err)
	}

	alertRepo := alert.NewSQLiteRepository(db.DB)
	alertLog, err := restoreAlertLog(ctx, alertRepo, cfg.Alerts.RecentLimit)
	if err != nil {
		return fmt.Errorf("loading alert history: %w", err)
	}

	ruleRepo := automation.NewSQLiteRepository(db.DB)
	rules, err := ruleRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading automation rules: %w", err)
	}

	router := command.NewRouter(registry, command.Options{
		DefaultTimeout:     cfg.Commands.DefaultTimeout,
		SerializePerDevice: cfg.Commands.SerializePerDevice,
		Retention:          cfg.Commands.Retention,
	})

	// InfluxDB is optional; a nil writer is skipped by the fan-out.
	var metrics fanout.MetricsWriter
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
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
		metrics = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	var hub *api.Hub
	var notifier fanout.Notifier
	if cfg.API.Enabled {
		hub = api.NewHub(log)
		notifier = hub
	}

	worker := fanout.NewWorker(cfg.Dispatch.FanoutBuffer, log)
	worker.Start()
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), fanoutDrainTimeout)
		defer cancel()
		if closeErr := worker.Close(drainCtx); closeErr != nil {
			log.Warn("fan-out queue not drained", "error", closeErr, "pending", worker.Pending())
		}
	}()

	sinks := fanout.New(worker, fanout.Sinks{
		Devices:        deviceRepo,
		Alerts:         alertRepo,
		Metrics:        metrics,
		Notifier:       notifier,
		NotifyMinLevel: cfg.Alerts.NotifyMinLevel,
		AlertRetention: cfg.Alerts.HistoryRetention,
	})

	bus := mqtt.New(cfg.MQTT)
	bus.SetLogger(log)

	loop := dispatch.New(dispatch.Deps{
		Bus:             bus,
		Registry:        registry,
		Router:          router,
		Alerts:          alerts,
		AlertLog:        alertLog,
		AutomationRules: rules,
		RuleStore:       ruleRepo,
		Fanout:          sinks,
		Logger:          log,
	}, dispatch.Options{
		TickInterval:     cfg.Dispatch.TickInterval,
		InboundBuffer:    cfg.Dispatch.InboundBuffer,
		OfflinePolicy:    cfg.Dispatch.OfflinePolicy,
		OfflineQueueSize: cfg.Dispatch.OfflineQueueSize,
		QoS:              byte(cfg.MQTT.QoS),
		MaxClockSkew:     cfg.Registry.MaxClockSkew,
		ReconnectInitial: time.Duration(cfg.MQTT.Reconnect.InitialDelay) * time.Second,
		ReconnectMax:     time.Duration(cfg.MQTT.Reconnect.MaxDelay) * time.Second,
		ReconnectJitter:  cfg.MQTT.Reconnect.Jitter,
	})

	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:     cfg.API,
			WS:         cfg.WebSocket,
			Security:   cfg.Security,
			Logger:     log,
			Fleet:      loop,
			Hub:        hub,
			AlertLimit: cfg.Alerts.RecentLimit,
			Version:    version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"alert_rules", len(alerts.Rules()),
		"automation_rules", len(rules),
	)

	// Run blocks until the signal context is cancelled.
	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("dispatch loop: %w", err)
	}

	log.Info("FleetLink Core stopped")
	return nil
}

// alertHistory is the part of the alert repository used at startup.
type alertHistory interface {
	Recent(ctx context.Context, limit int) ([]alert.Event, error)
}

// restoreAlertLog seeds the in-memory alert log from persisted history.
func restoreAlertLog(ctx context.Context, repo alertHistory, size int) (*alert.Log, error) {
	events, err := repo.Recent(ctx, size)
	if err != nil {
		return nil, err
	}
	l := alert.NewLog(size)
	// Recent is newest first; the log expects arrival order.
	for i := len(events) - 1; i >= 0; i-- {
		l.Add(events[i])
	}
	return l, nil
}

// getConfigPath returns the configuration file path.
// Uses FLEETLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FLEETLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
