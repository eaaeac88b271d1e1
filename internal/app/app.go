// v0
// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"hygienewatch/realtime/internal/ack"
	"hygienewatch/realtime/internal/alertlog"
	"hygienewatch/realtime/internal/catalog"
	"hygienewatch/realtime/internal/circuitbreaker"
	"hygienewatch/realtime/internal/classify"
	"hygienewatch/realtime/internal/config"
	"hygienewatch/realtime/internal/connectivity"
	"hygienewatch/realtime/internal/dashboard"
	"hygienewatch/realtime/internal/dispatch"
	"hygienewatch/realtime/internal/httpapi"
	"hygienewatch/realtime/internal/livestore"
	"hygienewatch/realtime/internal/livesync"
	"hygienewatch/realtime/internal/metrics"
	"hygienewatch/realtime/internal/notify"
)

const loopQueue = 256

// Application wires configuration, logging, the synchronization pipeline,
// the notification relay and the HTTP API.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	logFile   *os.File
	server    *http.Server
	health    *httpapi.HealthState
	dashboard *dashboard.Store
	notifier  *notify.Consumer
	policy    classify.Table
	closeMQTT func()
}

// New prepares a fully wired instance. It validates basic settings, opens
// the log file and builds every component, but starts nothing.
func New(cfg config.Config) (*Application, error) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return nil, errors.New("listen address cannot be empty")
	}
	policy, ok := classify.Lookup(cfg.BandPolicy)
	if !ok {
		return nil, fmt.Errorf("unknown band policy %q", cfg.BandPolicy)
	}
	logPath := filepath.Clean(cfg.LogFilePath)
	if logPath == "" || logPath == "." {
		return nil, errors.New("log file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	lf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger := newLogger(lf)

	a := &Application{cfg: cfg, logger: logger, logFile: lf, policy: policy}
	if err := a.build(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) build() error {
	cfg := a.cfg
	logger := a.logger
	m := metrics.NewMetrics(nil)

	breakerCfg := circuitbreaker.Config{
		MaxFailures:      cfg.BreakerMaxFailures,
		ResetTimeout:     cfg.BreakerReset,
		SuccessesToClose: cfg.BreakerSuccesses,
	}

	raw, err := a.openStore()
	if err != nil {
		return err
	}
	storeBreaker := circuitbreaker.New("live-store", breakerCfg, logger, nil)
	m.TrackBreaker("live_store", storeBreaker)
	store := livestore.NewGuarded(raw, storeBreaker, cfg.ReadTimeout, cfg.WriteTimeout)

	source, err := a.openCatalog()
	if err != nil {
		return err
	}
	catalogBreaker := circuitbreaker.New("catalog", breakerCfg, logger, nil)
	m.TrackBreaker("catalog", catalogBreaker)
	loader := catalog.NewLoader(source, cfg.CatalogTimeout, catalogBreaker, logger)

	loop := dispatch.New(loopQueue)
	syncer := livesync.New(loop, store, loader, livesync.Options{
		WatchBuffer: cfg.WatchBuffer,
		Observer:    m,
		Logger:      logger,
	})
	alerts := alertlog.NewService(loop, store, alertlog.Options{
		Capacity:    cfg.AlertCapacity,
		WatchBuffer: cfg.WatchBuffer,
		Observer:    m,
		Logger:      logger,
	})
	monitor := connectivity.New(store, logger)
	monitor.OnTransition(m.SetOnline)

	workflow := ack.NewWorkflow(store, alerts, syncer, ack.Options{
		WriteTimeout: cfg.WriteTimeout,
		Observer:     m,
		Logger:       logger,
	})
	registry := ack.NewRegistry(workflow, cfg.RegistrySize)

	dash, err := dashboard.New(dashboard.Deps{
		Loop:     loop,
		Sync:     syncer,
		Alerts:   alerts,
		Monitor:  monitor,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("dashboard init: %w", err)
	}
	a.dashboard = dash

	notifyLogger := logger.With(slog.String("component", "notify_consumer"))
	var guard *circuitbreaker.Guard
	if cfg.NotifyGuard {
		notifyBreaker := circuitbreaker.New("notify-consumer", breakerCfg, notifyLogger, nil)
		m.TrackBreaker("notify_consumer", notifyBreaker)
		guard = circuitbreaker.NewGuard(notifyBreaker, circuitbreaker.RetryPolicy{
			Attempts: cfg.NotifyFetchAttempts,
			Backoff:  cfg.NotifyFetchBackoff,
		})
	}
	consumer, err := notify.NewConsumer(notify.ConsumerConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.NotifyTopic,
		GroupID:     cfg.NotifyGroupID,
		PollTimeout: cfg.NotifyPollTimeout,
		Guard:       guard,
	}, dash, m, notifyLogger)
	switch {
	case errors.Is(err, notify.ErrNoBrokers):
		notifyLogger.Info("notify_consumer_disabled", slog.String("reason", "no kafka brokers configured"))
	case err != nil:
		return fmt.Errorf("notify consumer init: %w", err)
	default:
		a.notifier = consumer
		notifyLogger.Info("notify_consumer_config",
			slog.String("topic", cfg.NotifyTopic),
			slog.String("group", cfg.NotifyGroupID),
			slog.String("brokers", strings.Join(cfg.KafkaBrokers, ",")),
			slog.Duration("pollTimeout", cfg.NotifyPollTimeout),
		)
	}

	a.health = httpapi.NewHealthState()
	opts := httpapi.Options{
		Backend:      dash,
		Acks:         registry,
		Health:       a.health,
		Metrics:      m,
		Logger:       logger,
		AccessLog:    a.logFile,
		Policy:       a.policy,
		DefaultActor: cfg.AckActor,

		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}
	a.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           httpapi.Handler(httpapi.NewRouter(opts), opts),
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPWriteTimeout,
	}
	return nil
}

func (a *Application) openStore() (livestore.Store, error) {
	cfg := a.cfg
	if cfg.StoreBackend == "memory" {
		a.logger.Warn("live_store_memory", slog.String("reason", "single node mode, nothing is shared"))
		return livestore.NewMemoryStore(), nil
	}
	s := livestore.NewMQTTStore(livestore.MQTTConfig{
		Broker:         cfg.MQTTBroker,
		ClientID:       cfg.MQTTClientID,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		TopicPrefix:    cfg.MQTTTopicPrefix,
		QoS:            cfg.MQTTQoS,
		ConnectTimeout: cfg.ReadTimeout,
	}, a.logger)
	a.closeMQTT = s.Close

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ReadTimeout)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		// paho keeps retrying; the connectivity monitor reports OFFLINE meanwhile
		a.logger.Warn("live_store_connect_pending", slog.String("broker", cfg.MQTTBroker), slog.Any("err", err))
	} else {
		a.logger.Info("live_store_connected", slog.String("broker", cfg.MQTTBroker))
	}
	return s, nil
}

func (a *Application) openCatalog() (catalog.Catalog, error) {
	cfg := a.cfg
	if cfg.CatalogBackend == "file" {
		a.logger.Info("catalog_backend", slog.String("backend", "file"), slog.String("path", cfg.CatalogFile))
		return catalog.FileCatalog{Path: cfg.CatalogFile}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.CatalogTimeout)
	defer cancel()
	c, err := catalog.NewDynamoCatalog(ctx, cfg.CatalogTable)
	if err != nil {
		return nil, fmt.Errorf("catalog init: %w", err)
	}
	a.logger.Info("catalog_backend", slog.String("backend", "dynamodb"), slog.String("table", cfg.CatalogTable))
	return c, nil
}

// ensureNotifyTopic runs before the consumer starts. Failures are logged
// only; the reader keeps retrying against the broker.
func (a *Application) ensureNotifyTopic(ctx context.Context) {
	log := a.logger.With(slog.String("component", "notify_topic"))
	parts, err := notify.EnsureTopic(ctx, a.cfg.KafkaBrokers, notify.TopicSpec{
		Name:              a.cfg.NotifyTopic,
		Partitions:        a.cfg.NotifyPartitions,
		ReplicationFactor: a.cfg.NotifyReplication,
	}, log)
	if err != nil {
		log.Warn("notify_topic_unverified", slog.Any("err", err))
		return
	}
	log.Info("notify_topic_ready", slog.String("topic", a.cfg.NotifyTopic), slog.Int("partitions", parts))
}

// Logger exposes the configured slog logger so main can keep logging after
// initialization.
func (a *Application) Logger() *slog.Logger {
	return a.logger
}

// Run blocks until the context is cancelled or a component terminates
// unexpectedly. Readiness flips once the dashboard finished its initial load.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dashCh := make(chan error, 1)
	go func() { dashCh <- a.dashboard.Run(ctx) }()

	go func() {
		select {
		case <-a.dashboard.Ready():
			a.health.SetReady(true)
			a.logger.Info("service_ready")
		case <-ctx.Done():
		}
	}()

	httpCh := make(chan error, 1)
	go func() {
		a.logger.Info("http_server_listen", slog.String("address", a.cfg.ListenAddress))
		httpCh <- a.server.ListenAndServe()
	}()

	var notifyCh chan error
	if a.notifier != nil {
		notifyCh = make(chan error, 1)
		go func() {
			if a.cfg.NotifyEnsureTopic {
				a.ensureNotifyTopic(ctx)
			}
			notifyCh <- a.notifier.Run(ctx)
		}()
	}

	summaryCh := make(chan error, 1)
	go func() { summaryCh <- a.dashboard.RunSummary(ctx, a.cfg.SummaryInterval, a.policy) }()

	var runErr error
	keep := func(err error) {
		if err != nil && runErr == nil {
			runErr = err
		}
	}

	for {
		select {
		case err := <-httpCh:
			httpCh = nil
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http_server_error", slog.Any("err", err))
				keep(err)
			} else {
				a.logger.Info("server_closed")
			}
			cancel()
		case err := <-dashCh:
			dashCh = nil
			if err != nil {
				a.logger.Error("dashboard_error", slog.Any("err", err))
				keep(err)
			} else {
				a.logger.Info("dashboard_completed")
			}
			cancel()
		case err := <-notifyCh:
			notifyCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("notify_consumer_error", slog.Any("err", err))
				keep(err)
			} else if err == nil {
				a.logger.Info("notify_consumer_completed")
			}
			cancel()
		case <-ctx.Done():
			a.logger.Info("shutdown_signal")
			a.health.SetReady(false)
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
			if err := a.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("server_shutdown_failed", slog.Any("err", err))
				keep(fmt.Errorf("shutdown: %w", err))
			}
			shutdownCancel()

			if httpCh != nil {
				if err := <-httpCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("server_shutdown_error", slog.Any("err", err))
					keep(err)
				}
			}
			if dashCh != nil {
				if err := <-dashCh; err != nil {
					a.logger.Error("dashboard_shutdown_error", slog.Any("err", err))
					keep(err)
				}
			}
			if notifyCh != nil {
				if err := <-notifyCh; err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Error("notify_consumer_shutdown_error", slog.Any("err", err))
					keep(err)
				}
			}
			<-summaryCh

			if runErr != nil {
				return runErr
			}
			a.logger.Info("shutdown_complete")
			return nil
		}
	}
}

// Close releases the Kafka reader, the MQTT session and the log file.
func (a *Application) Close() error {
	var firstErr error
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			firstErr = err
		}
		a.notifier = nil
	}
	if a.closeMQTT != nil {
		a.closeMQTT()
		a.closeMQTT = nil
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.logFile = nil
	}
	return firstErr
}
