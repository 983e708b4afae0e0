// Garden Core - community garden session agent
//
// This is the main entry point for the Garden Core agent. The agent runs
// next to the garden UI and owns the user's session:
//   - Credential exchange with the garden backend, including second factor
//   - Role-based navigation decisions and dashboard composition
//   - The notification feed, fed by push with a pull fallback
//   - A local audit trail of session transitions
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/commongrow/garden-core/internal/api"
	"github.com/commongrow/garden-core/internal/audit"
	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/backend"
	"github.com/commongrow/garden-core/internal/credential"
	"github.com/commongrow/garden-core/internal/dashboard"
	"github.com/commongrow/garden-core/internal/guard"
	"github.com/commongrow/garden-core/internal/infrastructure/config"
	"github.com/commongrow/garden-core/internal/infrastructure/database"
	"github.com/commongrow/garden-core/internal/infrastructure/influxdb"
	"github.com/commongrow/garden-core/internal/infrastructure/logging"
	"github.com/commongrow/garden-core/internal/infrastructure/mqtt"
	"github.com/commongrow/garden-core/internal/metrics"
	"github.com/commongrow/garden-core/internal/notify"
	"github.com/commongrow/garden-core/internal/session"
	"github.com/commongrow/garden-core/migrations"
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

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear start-up sequence
	log := logging.Default()
	log.Info("starting Garden Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Local audit trail
	db, err := database.Open(database.FromConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
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
	log.Info("database ready", "path", db.Path())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// Time-series telemetry (optional)
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
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
	}

	// Session core
	store := session.NewStore()
	store.SetLogger(log.With("component", "session"))

	backendClient, err := backend.New(cfg.Backend.APIOrigin, &http.Client{Timeout: cfg.GetRequestTimeout()})
	if err != nil {
		return fmt.Errorf("creating backend client: %w", err)
	}
	backendClient.SetLogger(log.With("component", "backend"))
	backendClient.SetUserAgent("gardencore/" + version)

	verifier, err := credential.New(credential.Deps{
		Store:   store,
		Backend: backendClient,
		Logger:  log,
		Metrics: collector,
		Config:  credentialConfig(cfg),
	})
	if err != nil {
		return fmt.Errorf("creating credential verifier: %w", err)
	}

	routes, err := guard.NewRouteTable(cfg.Routes)
	if err != nil {
		return fmt.Errorf("building route table: %w", err)
	}
	routeGuard, err := guard.New(guard.Deps{Store: store, Routes: routes, Logger: log, Metrics: collector})
	if err != nil {
		return fmt.Errorf("creating route guard: %w", err)
	}
	defer routeGuard.Close()

	resolver, err := dashboard.New(dashboard.Deps{Store: store, Logger: log})
	if err != nil {
		return fmt.Errorf("creating dashboard resolver: %w", err)
	}
	defer resolver.Close()

	checks := map[string]api.HealthCheck{"database": db.HealthCheck}
	if influxClient != nil {
		checks["influxdb"] = influxClient.HealthCheck
	}

	// Push transport
	var push notify.PushSource
	switch cfg.Push.Transport {
	case config.PushTransportWebSocket:
		ws, wsErr := notify.NewWebSocketSource(notify.WebSocketConfig{
			Origin:         cfg.Push.WSOrigin,
			Path:           cfg.Push.WSPath,
			PingInterval:   time.Duration(cfg.Push.PingInterval) * time.Second,
			PongTimeout:    time.Duration(cfg.Push.PongTimeout) * time.Second,
			MaxMessageSize: int64(cfg.Push.MaxMessageSize),
		})
		if wsErr != nil {
			return fmt.Errorf("creating websocket push source: %w", wsErr)
		}
		push = ws
		log.Info("push transport: websocket", "url", ws.URL())
	case config.PushTransportMQTT:
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT connected")
		})
		push = notify.NewMQTTSource(mqttClient, mqttClient.Topics(), mqttClient.QoS())
		checks["mqtt"] = mqttClient.HealthCheck
		log.Info("push transport: mqtt",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	default:
		log.Info("push transport disabled, notifications are pull-only")
	}

	channel, err := notify.New(notify.Deps{
		Store:   store,
		Backend: backendClient,
		Push:    push,
		Logger:  log,
		Metrics: collector,
		Config:  channelConfig(cfg),
	})
	if err != nil {
		return fmt.Errorf("creating notification channel: %w", err)
	}

	if influxClient != nil {
		stop := bridgeTelemetry(store, channel, influxClient)
		defer stop()
	}

	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo, log.With("component", "audit"))

	server, err := api.New(api.Deps{
		Config:   cfg.Agent,
		Logger:   log,
		Store:    store,
		Verifier: verifier,
		Guard:    routeGuard,
		Resolver: resolver,
		Channel:  channel,
		Audit:    auditRepo,
		Gatherer: registry,
		Checks:   checks,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	// A session still open at shutdown is closed locally and at the backend.
	logout := func() {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.GetRequestTimeout())
		defer cancel()
		verifier.Logout(logoutCtx)
	}
	err = serve(ctx, recorder, store, logout, channel.Run, server.Run)

	if dropped := recorder.Dropped(); dropped > 0 {
		log.Warn("audit entries dropped", "count", dropped)
	}
	if err != nil {
		return fmt.Errorf("running agent: %w", err)
	}
	log.Info("Garden Core stopped")
	return nil
}

// serve runs workers until ctx ends or one fails. The audit recorder runs
// on its own context so the transition caused by logout is still recorded.
func serve(ctx context.Context, recorder *audit.Recorder, src audit.Source, logout func(), workers ...func(context.Context) error) error {
	recCtx, stopRecorder := context.WithCancel(context.WithoutCancel(ctx))
	recDone := make(chan error, 1)
	go func() { recDone <- recorder.Run(recCtx, src) }()

	g, gctx := errgroup.WithContext(ctx)
	for _, work := range workers {
		g.Go(func() error { return work(gctx) })
	}
	err := g.Wait()

	logout()
	stopRecorder()
	if recErr := <-recDone; err == nil {
		err = recErr
	}
	return err
}

// getConfigPath returns the configuration file path.
// Uses GARDEN_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GARDEN_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func credentialConfig(cfg *config.Config) credential.Config {
	methods := make([]auth.FactorMethod, 0, len(cfg.Auth.SecondFactorMethods))
	for _, raw := range cfg.Auth.SecondFactorMethods {
		if m, ok := auth.ParseFactorMethod(raw); ok {
			methods = append(methods, m)
		}
	}
	def, _ := auth.ParseFactorMethod(cfg.Auth.DefaultSecondFactor)
	return credential.Config{
		LoginTimeout:  cfg.GetLoginTimeout(),
		LogoutTimeout: cfg.GetRequestTimeout(),
		FactorMethods: methods,
		DefaultFactor: def,
	}
}

func channelConfig(cfg *config.Config) notify.Config {
	initial, maxDelay := cfg.GetReconnectBounds()
	return notify.Config{
		PullLimit:            cfg.Notifications.PullLimit,
		PullInterval:         cfg.GetPullInterval(),
		DegradedPullInterval: cfg.GetDegradedPullInterval(),
		RequestTimeout:       cfg.GetRequestTimeout(),
		AckTimeout:           cfg.GetAckTimeout(),
		RefreshPerMinute:     cfg.Notifications.RefreshPerMinute,
		Reconnect:            notify.Backoff{Initial: initial, Max: maxDelay},
	}
}

// healthCheck runs every probe once before the agent starts serving.
func healthCheck(ctx context.Context, checks map[string]api.HealthCheck) error {
	for name, check := range checks {
		if err := check(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// telemetrySink is the part of the InfluxDB client the bridge writes to.
type telemetrySink interface {
	WriteSessionTransition(from, to, errorKind string, version uint64, at time.Time)
	WriteChannelHealth(push string, failures, unread int, at time.Time)
}

// bridgeTelemetry writes session transitions and push health changes to
// the time-series store. Channel snapshots are written only when the push
// state or failure count moves.
func bridgeTelemetry(store *session.Store, channel *notify.Channel, sink telemetrySink) (stop func()) {
	unsubSession := store.Subscribe(func(c session.Change) {
		if !c.StatusChanged {
			return
		}
		var kind string
		if c.Current.Err != nil {
			kind = c.Current.Err.Kind
		}
		sink.WriteSessionTransition(string(c.Previous.Status), string(c.Current.Status), kind, c.Current.Version, c.Current.Since)
	})

	var (
		mu   sync.Mutex
		last notify.Health
	)
	unsubChannel := channel.Subscribe(func(snap notify.Snapshot) {
		mu.Lock()
		changed := snap.Health.Push != last.Push || snap.Health.Failures != last.Failures
		last = snap.Health
		mu.Unlock()
		if changed {
			sink.WriteChannelHealth(string(snap.Health.Push), snap.Health.Failures, snap.Unread, time.Now())
		}
	})

	return func() {
		unsubSession()
		unsubChannel()
	}
}
