// biocon - beamline instrument control service
//
// This is the main entry point for the beamline control software. It owns
// the serial and network connections to the beamline instruments (syringe
// pumps, flow meters, motor stages, detector scalers), runs one control
// worker per device, and exposes the devices to remote panels over MQTT.
// Scan requests arriving on the scan topic drive the step-scan engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/biocatiit/beamline-control-user/migrations"

	"github.com/biocatiit/beamline-control-user/internal/control"
	"github.com/biocatiit/beamline-control-user/internal/drivers"
	"github.com/biocatiit/beamline-control-user/internal/infrastructure/config"
	"github.com/biocatiit/beamline-control-user/internal/infrastructure/database"
	"github.com/biocatiit/beamline-control-user/internal/infrastructure/influxdb"
	"github.com/biocatiit/beamline-control-user/internal/infrastructure/logging"
	"github.com/biocatiit/beamline-control-user/internal/infrastructure/mqtt"
	"github.com/biocatiit/beamline-control-user/internal/instrument"
	"github.com/biocatiit/beamline-control-user/internal/scan"
	"github.com/biocatiit/beamline-control-user/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting beamline control",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath, "beamline", cfg.Beamline.ID)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := database.Open(database.Config{
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
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Initialise instrument catalog and seed it from config
	catalog := instrument.NewCatalog(instrument.NewSQLiteRepository(db.DB))
	catalog.SetLogger(log)

	if seedErr := catalog.Seed(ctx, seedEntries(cfg.Instruments)); seedErr != nil {
		return fmt.Errorf("seeding instrument catalog: %w", seedErr)
	}
	if refreshErr := catalog.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading instrument catalog: %w", refreshErr)
	}
	log.Info("instrument catalog initialised", "instruments", catalog.Count())

	// Set up the control core: sink, registry, facade
	sink := control.NewSink()
	registry := control.NewRegistry(sink, control.RegistryOptions{
		Worker: control.WorkerConfig{
			PollInterval:   cfg.GetPollInterval(),
			CommandTimeout: cfg.GetCommandTimeout(),
			RetryCount:     cfg.Control.RetryCount,
			FaultThreshold: cfg.Control.FaultThreshold,
		},
		Queue: control.QueueConfig{
			Size:          cfg.Control.QueueSize,
			BlockWhenFull: cfg.Control.QueueBlock,
		},
		Logger: log,
	})
	facade := control.NewFacade(registry, drivers.New)
	facade.SetLogger(log)
	defer func() {
		log.Info("stopping device workers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := facade.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error("error stopping device workers", "error", shutdownErr)
		}
	}()

	// Open the enabled instruments. A device that fails to open is logged
	// and skipped so the rest of the beamline still comes up; it can be
	// reconnected remotely once the hardware is back.
	simulate := simulateMode()
	if simulate {
		log.Info("simulation mode, hardware drivers replaced with simulators")
	}
	if openErr := openInstruments(ctx, catalog, facade, simulate, log); openErr != nil {
		return openErr
	}
	log.Info("devices open", "devices", facade.Devices())

	// Connect to MQTT broker (optional)
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
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled, running standalone")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Device kinds tag telemetry history; resolve them from the catalog.
	kindOf := func(device string) string {
		inst, lookupErr := catalog.GetByName(context.Background(), device)
		if lookupErr != nil {
			return ""
		}
		return string(inst.Kind)
	}

	// Assign through typed variables so a nil *Client stays a nil interface.
	var publisher telemetry.Publisher
	if mqttClient != nil {
		publisher = mqttClient
	}
	var history telemetry.History
	var scanHistory telemetry.ScanHistory
	if influxClient != nil {
		history = influxClient
		scanHistory = influxClient
	}

	// Bridge device status and command results out to MQTT and InfluxDB
	if publisher != nil || history != nil {
		bridge := telemetry.NewBridge(sink, telemetry.BridgeOptions{
			Publisher: publisher,
			History:   history,
			KindOf:    kindOf,
			QoS:       byte(cfg.MQTT.QoS),
			Logger:    log,
		})
		if bridgeErr := bridge.Start(); bridgeErr != nil {
			return fmt.Errorf("starting telemetry bridge: %w", bridgeErr)
		}
		defer func() {
			log.Info("stopping telemetry bridge")
			bridge.Stop()
		}()
		log.Info("telemetry bridge started")
	}

	// Feed remote device commands into the control queues
	if mqttClient != nil {
		intake := telemetry.NewIntake(mqttClient, facade, byte(cfg.MQTT.QoS), log)
		if intakeErr := intake.Start(); intakeErr != nil {
			return fmt.Errorf("starting command intake: %w", intakeErr)
		}
		defer func() {
			log.Info("stopping command intake")
			if stopErr := intake.Stop(); stopErr != nil {
				log.Error("error stopping command intake", "error", stopErr)
			}
		}()
	}

	// Scan engine, driven remotely over the scan request topic
	engine := scan.NewEngine(facade, scan.NewSQLiteRepository(db.DB), scan.EngineOptions{
		SettlePoll:    cfg.GetSettlePoll(),
		SettleTimeout: cfg.GetMoveTimeout(),
		Logger:        log,
	})
	if mqttClient != nil {
		scanLink := telemetry.NewScanLink(engine, telemetry.ScanLinkOptions{
			Subscriber:   mqttClient,
			Publisher:    mqttClient,
			History:      scanHistory,
			QoS:          byte(cfg.MQTT.QoS),
			DefaultDwell: cfg.GetDwellTime(),
			Logger:       log,
		})
		engine.SetOnPoint(scanLink.Point)
		if linkErr := scanLink.Start(); linkErr != nil {
			return fmt.Errorf("starting scan link: %w", linkErr)
		}
		defer func() {
			log.Info("stopping scan link")
			scanLink.Stop()
		}()
	} else if scanHistory != nil {
		engine.SetOnPoint(func(_ *scan.Run, pt *scan.Point) {
			scanHistory.WriteScanPoint(pt.RunID, pt.Index, pt.X, pt.Y, pt.Counts)
		})
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls unwind in reverse order: scan link, command intake,
	// telemetry bridge, InfluxDB, MQTT, device workers, database.

	log.Info("beamline control stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses BIOCON_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("BIOCON_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// seedEntries converts config instrument entries to catalog seed entries.
func seedEntries(entries []config.InstrumentEntry) []instrument.SeedEntry {
	seeds := make([]instrument.SeedEntry, len(entries))
	for i, e := range entries {
		seeds[i] = instrument.SeedEntry{
			Name:     e.Name,
			Kind:     e.Kind,
			Settings: e.Settings,
		}
	}
	return seeds
}

// simulateMode reports whether BIOCON_SIMULATE requests simulated drivers.
// Set it to run the full service with no hardware attached.
func simulateMode() bool {
	switch os.Getenv("BIOCON_SIMULATE") {
	case "1", "true", "yes":
		return true
	}
	return false
}

// simKinds maps each hardware driver kind to its simulated counterpart.
var simKinds = map[instrument.Kind]instrument.Kind{
	instrument.KindPumpM50:        instrument.KindSimPump,
	instrument.KindFlowMeterBFS:   instrument.KindSimFlowMeter,
	instrument.KindScalerModbus:   instrument.KindSimScaler,
	instrument.KindMotorXPS:       instrument.KindSimMotor,
	instrument.KindValveRheodyne:  instrument.KindSimValve,
	instrument.KindValveCheminert: instrument.KindSimValve,
}

// openInstruments connects every enabled catalog instrument. Individual
// connection failures are logged and skipped; the facade reports them as
// unknown devices until reconnected.
func openInstruments(ctx context.Context, catalog *instrument.Catalog, facade *control.Facade, simulate bool, log *logging.Logger) error {
	instruments, err := catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("listing instruments: %w", err)
	}

	for _, inst := range instruments {
		if !inst.Enabled {
			log.Debug("instrument disabled, skipping", "name", inst.Name)
			continue
		}
		kind := inst.Kind
		if simulate {
			if sim, ok := simKinds[kind]; ok {
				kind = sim
			}
		}
		if connErr := facade.Connect(ctx, inst.Name, string(kind), inst.Settings); connErr != nil {
			log.Warn("instrument failed to open",
				"name", inst.Name,
				"kind", kind,
				"error", connErr,
			)
			continue
		}
		log.Info("instrument open", "name", inst.Name, "kind", kind)
	}
	return nil
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
