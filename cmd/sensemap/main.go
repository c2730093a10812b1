// sensemap-core serves the sensemap API: box registration, firmware
// provisioning, measurement ingestion over HTTP and MQTT, history and
// bounding-box queries, and a live WebSocket feed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/sensemap/sensemap-core/migrations"

	"github.com/sensemap/sensemap-core/internal/api"
	"github.com/sensemap/sensemap-core/internal/audit"
	"github.com/sensemap/sensemap-core/internal/box"
	"github.com/sensemap/sensemap-core/internal/firmware"
	"github.com/sensemap/sensemap-core/internal/infrastructure/config"
	"github.com/sensemap/sensemap-core/internal/infrastructure/database"
	"github.com/sensemap/sensemap-core/internal/infrastructure/influxdb"
	"github.com/sensemap/sensemap-core/internal/infrastructure/logging"
	"github.com/sensemap/sensemap-core/internal/infrastructure/metrics"
	"github.com/sensemap/sensemap-core/internal/infrastructure/mqtt"
	"github.com/sensemap/sensemap-core/internal/infrastructure/notify"
	"github.com/sensemap/sensemap-core/internal/measurement"
	"github.com/sensemap/sensemap-core/internal/query"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled.
// Deferred closes run in reverse start order.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting sensemap-core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	db, err := database.OpenWithRetry(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	}, database.RetryConfig{
		Attempts:    cfg.Database.ConnectAttempts,
		MaxInterval: time.Duration(cfg.Database.ConnectMaxInterval) * time.Second,
		OnRetry: func(err error, wait time.Duration) {
			log.Warn("database unavailable, retrying", "error", err, "wait", wait)
		},
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

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		return fmt.Errorf("creating notifier: %w", err)
	}
	notifier.SetLogger(log)
	defer notifier.Wait()
	log.Info("notifications configured", "enabled", notifier.Enabled())

	// The recorder outlives the API so in-flight entries are written.
	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo, "api")
	recorder.SetLogger(log)
	recCtx, stopRecorder := context.WithCancel(context.WithoutCancel(ctx))
	recorder.Start(recCtx)
	defer func() {
		stopRecorder()
		recorder.Wait()
	}()

	provisioner := firmware.New(firmware.Templates(), cfg.Firmware.OutputDir)
	provisioner.SetLogger(log)

	registry := box.NewRegistry(box.NewSQLiteRepository(db.DB), box.Deps{
		Firmware: provisioner,
		Audit:    recorder,
		Notifier: notifier,
		Metrics:  m,
		Images:   box.NewImageStore(cfg.Images.Dir, int64(cfg.Images.MaxBytes)),
		Logger:   log,
	})

	measurements := measurement.NewSQLiteRepository(db.DB)
	ingestor := measurement.NewIngestor(measurements, registry)
	ingestor.SetLogger(log)
	ingestor.SetMetrics(m)

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
		mirror := influxdb.NewMirror(influxClient)
		mirror.SetLogger(log)
		ingestor.AddObserver(mirror)
		log.Info("InfluxDB mirror enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	deps := api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Stats:        cfg.Stats,
		Logger:       log,
		Registry:     registry,
		Ingestor:     ingestor,
		Query:        query.NewEngine(registry, measurements, query.NewSQLiteMultiBox(db.DB)),
		Measurements: measurements,
		Firmware:     provisioner,
		Audit:        auditRepo,
		Notifier:     notifier,
		Metrics:      m,
		DB:           db,
		Version:      version,
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = startMQTT(cfg, ingestor, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		deps.MQTT = mqttClient
	} else {
		log.Info("MQTT ingestion disabled")
	}

	srv, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	ingestor.AddObserver(srv.Hub())

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// startMQTT connects to the broker and subscribes the ingestion handler
// to every box data topic.
func startMQTT(cfg *config.Config, ingestor *measurement.Ingestor, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	client.SetOnConnect(func() { log.Info("MQTT reconnected") })
	client.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })

	sub := measurement.NewMQTTIngest(client, ingestor, client.Topics(), byte(cfg.MQTT.QoS), cfg.MQTT.JSONPath) //nolint:gosec // QoS validated 0-2
	sub.SetLogger(log)
	if err := sub.Start(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("subscribing to box data: %w", err)
	}
	log.Info("MQTT ingestion started",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"topic", client.Topics().AllBoxData(),
	)
	return client, nil
}

// getConfigPath returns the configuration file path.
// Uses SENSEMAP_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("SENSEMAP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure connections. mqttClient may be
// nil when MQTT ingestion is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	return nil
}
