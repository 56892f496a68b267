package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/platinummonkey/consortium/pkg/api"
	"github.com/platinummonkey/consortium/pkg/audit"
	"github.com/platinummonkey/consortium/pkg/auth"
	"github.com/platinummonkey/consortium/pkg/config"
	"github.com/platinummonkey/consortium/pkg/livesync"
	"github.com/platinummonkey/consortium/pkg/moderation"
	"github.com/platinummonkey/consortium/pkg/observability"
	"github.com/platinummonkey/consortium/pkg/passwordreset"
	"github.com/platinummonkey/consortium/pkg/registration"
	"github.com/platinummonkey/consortium/pkg/reminders"
	"github.com/platinummonkey/consortium/pkg/workflow"
)

var version = "dev"

func main() {
	var envFile, policyPath string
	flagSet := pflag.NewFlagSet("portal", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "optional .env file loaded before reading the environment")
	flagSet.StringVar(&policyPath, "policy", "", "policy file (overrides PORTAL_POLICY_FILE)")
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *showVersion {
		fmt.Println("portal", version)
		return
	}

	boot := logrus.New()
	config.LoadDotEnv(boot, envFile)

	cfg, err := config.LoadConfig()
	if err != nil {
		boot.WithError(err).Fatal("Invalid configuration")
	}
	if policyPath != "" {
		cfg.PolicyPath = policyPath
	}

	log, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		boot.WithError(err).Fatal("Invalid logging configuration")
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("Portal stopped with an error")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx := context.Background()

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}

	tp, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}
	health := observability.NewHealthChecker(version)

	backend, err := openBackend(ctx, cfg.Store, health, log)
	if err != nil {
		return err
	}

	auditLog, err := openAudit(cfg.Observability.AuditDir, log)
	if err != nil {
		backend.close()
		return err
	}

	hasher := auth.NewHasher(cfg.Workflow.BcryptCost)
	seeds, err := policy.Seeds(hasher)
	if err != nil {
		backend.close()
		return err
	}
	roster, err := auth.LoadRoster(ctx, backend.kv, seeds, log)
	if err != nil {
		backend.close()
		return err
	}
	sessions, err := auth.LoadSessions(ctx, backend.kv, cfg.Workflow.SessionTTL)
	if err != nil {
		backend.close()
		return err
	}
	metrics.SetActiveSessions(sessions.Count())
	directory := auth.NewStoreDirectory(backend.store, cfg.Store.DirectoryCacheSize, cfg.Store.DirectoryCacheTTL)

	hub := livesync.NewHub(backend.store, livesync.HubConfig{Metrics: metrics, Logger: log})
	var invalidator workflow.Invalidator = hub
	var redisInvalidator *livesync.RedisInvalidator
	if backend.redis != nil {
		redisInvalidator = livesync.NewRedisInvalidator(backend.redis, hub, cfg.Store.RedisPrefix, log)
		if err := redisInvalidator.Start(ctx); err != nil {
			backend.close()
			return err
		}
		invalidator = redisInvalidator
	}

	transport, err := openTransport(ctx, cfg.Blob, health)
	if err != nil {
		backend.close()
		return err
	}
	sender, err := openSender(cfg.Email, log)
	if err != nil {
		backend.close()
		return err
	}

	resets := passwordreset.NewService(passwordreset.Config{
		Store:       backend.store,
		Roster:      roster,
		Directory:   directory,
		Hasher:      hasher,
		Sender:      sender,
		Mode:        cfg.Workflow.DecisionMode,
		OTPTTL:      cfg.Workflow.OTPTTL,
		Invalidator: invalidator,
		Audit:       auditLog,
		Metrics:     metrics,
		Logger:      log,
	})
	registrations := registration.NewService(registration.Config{
		Store:       backend.store,
		Roster:      roster,
		Directory:   directory,
		Hasher:      hasher,
		Invalidator: invalidator,
		Audit:       auditLog,
		Metrics:     metrics,
		Logger:      log,
	})
	uploads := moderation.NewService(moderation.Config{
		Store:       backend.store,
		Transport:   transport,
		Mode:        cfg.Workflow.DecisionMode,
		Invalidator: invalidator,
		Audit:       auditLog,
		Metrics:     metrics,
		Logger:      log,
	})
	authenticator := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Roster:     roster,
		Directory:  directory,
		Restricted: policy.Restricted(),
		Hasher:     hasher,
		Rotator:    resets,
		Sessions:   sessions,
		Audit:      auditLog,
		Metrics:    metrics,
		Logger:     log,
	})

	server := api.NewServer(api.Config{
		Authenticator:  authenticator,
		Sessions:       sessions,
		Roster:         roster,
		Registrations:  registrations,
		PasswordResets: resets,
		Uploads:        uploads,
		Hub:            hub,
		SyncInterval:   cfg.Workflow.SyncInterval,
		Metrics:        metrics,
		Logger:         log,
	})

	var digest *reminders.Digest
	if cfg.Workflow.DigestSchedule != "" {
		digest = reminders.NewDigest(reminders.Config{
			Sources: []reminders.Source{
				{Name: "registration", Counter: registrations},
				{Name: "password_reset", Counter: resets},
				{Name: "upload", Counter: uploads},
			},
			Schedule: cfg.Workflow.DigestSchedule,
			MinAge:   cfg.Workflow.DigestAge,
			To:       cfg.Workflow.DigestTo,
			Sender:   sender,
			Metrics:  metrics,
			Logger:   log,
		})
		if err := digest.Start(); err != nil {
			backend.close()
			return err
		}
	}

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Shutdown runs these in reverse order
	shutdown := observability.NewShutdownManager(log, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.Register("store", func(ctx context.Context) error {
		backend.close()
		return nil
	})
	shutdown.Register("tracing", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, tp)
	})
	shutdown.Register("audit", func(ctx context.Context) error {
		return auditLog.Close()
	})
	shutdown.Register("livesync", func(ctx context.Context) error {
		server.Close()
		hub.Close()
		if redisInvalidator != nil {
			return redisInvalidator.Close()
		}
		return nil
	})
	shutdown.Register("uploads", func(ctx context.Context) error {
		uploads.Wait()
		return nil
	})
	if digest != nil {
		shutdown.Register("digest", digest.Stop)
	}
	shutdown.Register("health", healthServer.Shutdown)

	go func() {
		log.WithField("addr", healthServer.Addr).Info("Health and metrics server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Health server failed")
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":          httpServer.Addr,
			"store":         cfg.Store.Type,
			"blob":          cfg.Blob.Type,
			"email":         cfg.Email.Type,
			"decision_mode": cfg.Workflow.DecisionMode,
			"version":       version,
		}).Info("Consortium portal listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- shutdown.WaitForSignal() }()

	select {
	case err, ok := <-serveErr:
		if ok {
			_ = shutdown.Shutdown()
			return fmt.Errorf("http server failed: %w", err)
		}
		return <-shutdownErr
	case err := <-shutdownErr:
		if err != nil {
			return err
		}
		log.Info("Portal stopped")
		return nil
	}
}

// openAudit logs audit events through logrus and, when dir is set, to JSON
// lines files
func openAudit(dir string, log logrus.FieldLogger) (audit.Logger, error) {
	logger := audit.NewLogrusLogger(log)
	if dir == "" {
		return logger, nil
	}
	fileCfg := audit.DefaultFileLoggerConfig()
	fileCfg.BasePath = dir
	file, err := audit.NewFileLogger(fileCfg)
	if err != nil {
		return nil, err
	}
	return audit.Multi(logger, file), nil
}
