// Gray Logic Agent - device-management client
//
// The agent connects a device to the platform's MQTT device-management
// service: it registers the device (manage), answers the platform's
// commands, reports diagnostics, and exposes a local status API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/nerrad567/gray-logic-agent/internal/api"
	"github.com/nerrad567/gray-logic-agent/internal/devicemgmt"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-agent/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-agent/internal/journal"
	"github.com/nerrad567/gray-logic-agent/internal/outbound"
	"github.com/nerrad567/gray-logic-agent/internal/resource"
	"github.com/nerrad567/gray-logic-agent/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/agent.yaml"

	// shutdownTimeout bounds unmanage, pool drain and queue drain on exit.
	shutdownTimeout = 30 * time.Second
)

// options holds the global flags.
type options struct {
	configPath string
	logLevel   string
}

func main() {
	// Cancelled on Ctrl+C or SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newApp().Run(ctx, os.Args)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	opts := &options{}

	return &cli.Command{
		Name:    "graylogic-agent",
		Usage:   "Device-management agent for the Gray Logic platform",
		Version: fmt.Sprintf("%s (%s) %s", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file",
				Sources:     cli.EnvVars("GRAYLOGIC_AGENT_CONFIG"),
				Value:       defaultConfigPath,
				Destination: &opts.configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "override logging.level (debug, info, warn, error)",
				Sources:     cli.EnvVars("GRAYLOGIC_AGENT_LOG_LEVEL"),
				Destination: &opts.logLevel,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			return run(ctx, opts)
		},
		Commands: []*cli.Command{
			newTokenCmd(opts),
		},
	}
}

// newTokenCmd issues a bearer token for the status API.
func newTokenCmd(opts *options) *cli.Command {
	var (
		subject string
		ttl     time.Duration
	)

	return &cli.Command{
		Name:  "token",
		Usage: "Print a bearer token for the local status API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "subject",
				Usage:       "token subject",
				Value:       "operator",
				Destination: &subject,
			},
			&cli.DurationFlag{
				Name:        "ttl",
				Usage:       "token lifetime",
				Value:       time.Hour,
				Destination: &ttl,
			},
		},
		Action: func(_ context.Context, c *cli.Command) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Security.JWT.Secret == "" {
				return fmt.Errorf("security.jwt.secret is not set; the API is unauthenticated")
			}

			token, err := api.GenerateToken(subject, cfg.Security.JWT.Secret, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.Root().Writer, token)
			return err
		},
	}
}

// run is the agent itself, separated from main for testability.
func run(ctx context.Context, opts *options) error {
	log := logging.Default()
	log.Info("starting Gray Logic Agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	if opts.logLevel != "" {
		log.SetLevel(opts.logLevel)
	}
	log.Info("configuration loaded", "path", opts.configPath, "level", log.Level().String())

	// Journal (optional)
	var repo journal.Repository
	checks := map[string]api.HealthChecker{}
	if cfg.Database.Enabled {
		db, openErr := database.Open(cfg.Database)
		if openErr != nil {
			return fmt.Errorf("opening database: %w", openErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		repo = journal.NewSQLiteRepository(db.DB)
		checks["database"] = db
		log.Info("journal ready", "path", cfg.Database.Path)
	} else {
		log.Info("journal disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
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
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// MQTT
	mqttCfg := cfg.MQTT
	mqttCfg.Broker.ClientID = cfg.ClientID()
	mqttClient, err := mqtt.Connect(mqttCfg)
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
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	checks["mqtt"] = mqttClient
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttCfg.Broker.ClientID,
	)

	// Outbound publisher
	pubOpts := outbound.Options{
		QueueSize:           cfg.Management.QueueSize,
		NotConnectedBackoff: cfg.Management.NotConnectedBackoff,
		InFlightBackoff:     cfg.Management.InFlightBackoff,
		Logger:              log,
	}
	if influxClient != nil {
		pubOpts.Recorder = influxClient
	}
	if repo != nil {
		pubOpts.OnFailure = func(msg outbound.Message, err error) {
			recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if recErr := repo.Record(recordCtx, &journal.Entry{
				Action:  journal.ActionPublishFailed,
				Topic:   msg.Topic,
				Details: map[string]any{"error": err.Error()},
			}); recErr != nil {
				log.Warn("journaling publish failure", "error", recErr)
			}
		}
	}
	publisher := outbound.New(mqttClient, pubOpts)

	// Resource model
	notifier := resource.NewNotifier(log)
	notifier.Start()
	if influxClient != nil {
		unsubscribe := notifier.Subscribe(influxClient.RecordResourceChange)
		defer unsubscribe()
	}

	data := devicemgmt.NewDeviceData(notifier, deviceInfo(cfg.Device.Info), cfg.Device.Metadata)

	// Tasks still running at shutdown are drained, not cancelled.
	mdOpts := devicemgmt.Options{
		RequestTimeout: cfg.Management.RequestTimeout,
		WorkerLimit:    cfg.Management.WorkerLimit,
		DeferGrace:     cfg.Management.DeferGrace,
		Context:        context.WithoutCancel(ctx),
		Logger:         log.With("component", "devicemgmt"),
	}
	if repo != nil {
		mdOpts.Journal = repo
	}
	if influxClient != nil {
		mdOpts.RequestRecorder = influxClient
	}
	device := devicemgmt.New(mqttClient, publisher, data, mdOpts)

	manage := devicemgmt.ManageOptions{
		Lifetime:        time.Duration(cfg.Management.Lifetime) * time.Second,
		DeviceActions:   cfg.Management.Supports.DeviceActions,
		FirmwareActions: cfg.Management.Supports.FirmwareActions,
		Bundles:         cfg.Management.Supports.Bundles,
	}
	accepted, err := device.BeginSession(ctx, manage)
	if err != nil {
		stopPipeline(log, device, publisher, notifier)
		return fmt.Errorf("managing device: %w", err)
	}
	if !accepted {
		log.Warn("platform rejected the manage request; running unmanaged")
	}

	// Status API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:    cfg.API,
			WS:        cfg.WebSocket,
			Security:  cfg.Security,
			Logger:    log.With("component", "api"),
			Session:   device,
			Resources: data.Registry(),
			Notifier:  notifier,
			Queue:     publisher,
			Checks:    checks,
			Version:   version,
		}
		if repo != nil {
			deps.Journal = repo
		}
		srv, srvErr := api.New(deps)
		if srvErr != nil {
			stopPipeline(log, device, publisher, notifier)
			return fmt.Errorf("creating API server: %w", srvErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			stopPipeline(log, device, publisher, notifier)
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if accepted && manage.Lifetime > 0 {
		go renewSession(ctx, log, device, manage)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	stopPipeline(log, device, publisher, notifier)

	log.Info("Gray Logic Agent stopped")
	return nil
}

// stopPipeline unmanages the device, waits for handler work and drains
// the publish queue while MQTT is still up. Deferred closes run after it.
func stopPipeline(log *logging.Logger, device *devicemgmt.ManagedDevice, publisher *outbound.Publisher, notifier *resource.Notifier) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if device.IsManaged() {
		if _, err := device.EndSession(ctx); err != nil {
			log.Warn("unmanage failed", "error", err)
		}
	}
	if err := device.WaitForTasks(ctx); err != nil {
		log.Warn("handler tasks still running at shutdown", "error", err)
	}
	if err := publisher.Stop(ctx); err != nil {
		log.Warn("publish queue not drained", "error", err, "pending", publisher.Pending())
	}
	if err := notifier.Stop(ctx); err != nil {
		log.Warn("stopping resource notifier", "error", err)
	}
}

// renewSession re-sends manage at half the lifetime so the platform never
// marks the device dormant.
func renewSession(ctx context.Context, log *logging.Logger, device *devicemgmt.ManagedDevice, manage devicemgmt.ManageOptions) {
	ticker := time.NewTicker(manage.Lifetime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accepted, err := device.BeginSession(ctx, manage)
			switch {
			case err != nil:
				log.Warn("renewing manage failed", "error", err)
			case !accepted:
				log.Warn("platform rejected manage renewal")
			default:
				log.Debug("manage renewed", "dormant_at", device.SessionState().DormantAt)
			}
		}
	}
}

func deviceInfo(c config.DeviceInfoConfig) devicemgmt.DeviceInfo {
	return devicemgmt.DeviceInfo{
		SerialNumber:        c.SerialNumber,
		Manufacturer:        c.Manufacturer,
		Model:               c.Model,
		DeviceClass:         c.DeviceClass,
		Description:         c.Description,
		FWVersion:           c.FWVersion,
		HWVersion:           c.HWVersion,
		DescriptiveLocation: c.DescriptiveLocation,
	}
}
