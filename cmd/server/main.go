package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"enrollo/internal/audit"
	"enrollo/internal/audit/export"
	auditmemory "enrollo/internal/audit/store/memory"
	auditpostgres "enrollo/internal/audit/store/postgres"
	"enrollo/internal/billing"
	"enrollo/internal/credential"
	credstore "enrollo/internal/credential/store"
	"enrollo/internal/guardrail"
	mandatehandler "enrollo/internal/mandate/handler"
	mandatemetrics "enrollo/internal/mandate/metrics"
	mandatesvc "enrollo/internal/mandate/service"
	mandatestore "enrollo/internal/mandate/store"
	"enrollo/internal/mandate/store/revocation"
	"enrollo/internal/mandate/token"
	"enrollo/internal/platform/config"
	"enrollo/internal/platform/httpserver"
	"enrollo/internal/platform/logger"
	"enrollo/internal/platform/metrics"
	"enrollo/internal/platform/middleware"
	"enrollo/internal/platform/postgres"
	"enrollo/internal/platform/redis"
	"enrollo/internal/ratelimit"
	"enrollo/internal/scheduler/flight"
	schedulerhandler "enrollo/internal/scheduler/handler"
	schedulermetrics "enrollo/internal/scheduler/metrics"
	"enrollo/internal/scheduler/service"
	"enrollo/internal/scheduler/session"
	jobstore "enrollo/internal/scheduler/store"
	"enrollo/internal/scheduler/workflow"
	"enrollo/internal/vault"
	"enrollo/pkg/platform/httputil"
)

// main wires the mandate authority, audit ledger and scheduler behind one
// HTTP server. Business logic lives in the internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.DevLogging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("enrollo stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	db, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
	} else {
		log.Warn("DATABASE_URL not set, using in-memory stores")
	}

	rc, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rc != nil {
		defer rc.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	v, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		return fmt.Errorf("credential vault: %w", err)
	}
	credentials, err := credential.New(credentialStore(db), v, credential.WithLogger(log))
	if err != nil {
		return err
	}

	signer, err := token.NewSigner(cfg.Mandate.SigningKey, cfg.Mandate.Algorithm, cfg.Mandate.Issuer, cfg.Mandate.Audience)
	if err != nil {
		return fmt.Errorf("mandate signer: %w", err)
	}
	mandates, err := mandatesvc.New(mandateStore(db), revocationList(cfg, db, rc, log), credentials, signer,
		mandatesvc.WithLogger(log),
		mandatesvc.WithMetrics(mandatemetrics.New()),
		mandatesvc.WithDefaultTTL(cfg.Mandate.DefaultTTL),
	)
	if err != nil {
		return err
	}

	ledgerOpts := []audit.Option{audit.WithLogger(log)}
	if len(cfg.Kafka.Brokers) > 0 {
		exporter, err := startExporter(gctx, g, cfg.Kafka, log)
		if err != nil {
			return err
		}
		ledgerOpts = append(ledgerOpts, audit.WithExporter(exporter))
	}
	ledger, err := audit.NewLedger(auditStore(db), ledgerOpts...)
	if err != nil {
		return err
	}
	reportInDoubt(ctx, ledger, log)

	patterns, err := guardrail.LoadPatterns(cfg.Guardrail.PatternFile)
	if err != nil {
		return err
	}
	matcher, err := guardrail.NewMatcher(patterns)
	if err != nil {
		return err
	}
	guard := guardrail.New(matcher, guardrail.WithLogger(log))

	launcher, providers, err := buildAutomation(cfg.Automation, log)
	if err != nil {
		return err
	}
	flow, err := workflow.New(providers, mandates, ledger, guard, credentials, workflow.WithLogger(log))
	if err != nil {
		return err
	}
	sessions, err := session.NewManager(launcher, cfg.Scheduler.SessionTTL,
		session.WithLogger(log),
		session.WithCaching(cfg.Scheduler.CacheSessions),
		session.WithPacing(cfg.Scheduler.ActionsPerSec, 1),
	)
	if err != nil {
		return err
	}

	flightOpts := []flight.Option{flight.WithLogger(log)}
	if rc != nil {
		flightOpts = append(flightOpts, flight.WithLocker(flight.NewRedisLocker(rc.Client), 0))
	}

	charger := billing.NewInMemoryCharger(billing.WithLogger(log))
	scheduler, err := service.New(jobStore(db), mandates, flow, sessions, ledger, charger,
		service.WithLogger(log),
		service.WithMetrics(schedulermetrics.New()),
		service.WithFlight(flight.New(flightOpts...)),
		service.WithPollInterval(cfg.Scheduler.PollInterval),
		service.WithArmHorizon(cfg.Scheduler.ArmHorizon),
		service.WithMaxAttempts(cfg.Scheduler.MaxAttempts),
	)
	if err != nil {
		return err
	}
	interrupted, err := scheduler.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if interrupted > 0 {
		log.Warn("jobs interrupted by restart marked failed", "count", interrupted)
	}

	limiter := ratelimit.New(map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassWrite: {PerMinute: cfg.RateLimit.WritesPerMinute},
		ratelimit.ClassRead:  {PerMinute: cfg.RateLimit.ReadsPerMinute},
	})
	limits := ratelimit.NewMiddleware(limiter, log,
		ratelimit.WithDisabled(cfg.RateLimit.Disabled),
		ratelimit.WithMetrics(ratelimit.NewMetrics()),
	)
	checks := map[string]healthCheck{}
	if db != nil {
		checks["postgres"] = db.PingContext
	}
	if rc != nil {
		checks["redis"] = rc.Health
	}
	srv := httpserver.New(cfg.Addr, newRouter(log, checks, limits, mandates, scheduler, ledger))

	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		sessions.Run(gctx, cfg.Scheduler.SweepInterval)
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		log.Info("starting enrollo", "addr", cfg.Addr, "providers", len(providers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		scheduler.Wait()
		sessions.Close(shutdownCtx)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type healthCheck func(ctx context.Context) error

func newRouter(log *slog.Logger, checks map[string]healthCheck, limits *ratelimit.Middleware, mandates *mandatesvc.Service, scheduler *service.Scheduler, ledger *audit.Ledger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log, metrics.New()))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := map[string]string{}
		code := http.StatusOK
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			err := check(ctx)
			cancel()
			if err != nil {
				log.WarnContext(req.Context(), "health check failed", "dependency", name, "error", err)
				status[name] = "unavailable"
				code = http.StatusServiceUnavailable
				continue
			}
			status[name] = "ok"
		}
		httputil.WriteJSON(w, code, status)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSubject(log))
		r.Use(limits.PerSubject)
		mandatehandler.New(mandates, log).Register(r)
		schedulerhandler.New(scheduler, ledger, log).Register(r)
	})
	return r
}

// startExporter connects to Kafka and runs the audit export worker in g.
func startExporter(ctx context.Context, g *errgroup.Group, cfg config.KafkaConfig, log *slog.Logger) (*export.Exporter, error) {
	client, err := export.NewClient(cfg.Brokers, cfg.AuditTopic)
	if err != nil {
		return nil, err
	}
	if err := export.EnsureTopic(ctx, client, cfg.AuditTopic, 3); err != nil {
		log.Warn("audit topic not ensured", "topic", cfg.AuditTopic, "error", err)
	}
	exporter, err := export.New(client, cfg.AuditTopic,
		export.WithLogger(log),
		export.WithMetrics(export.NewMetrics()),
	)
	if err != nil {
		client.Close()
		return nil, err
	}
	g.Go(func() error {
		defer client.Close()
		return exporter.Run(ctx)
	})
	return exporter, nil
}

// reportInDoubt logs tool calls that began but never recorded an outcome.
// They need manual reconciliation with the provider.
func reportInDoubt(ctx context.Context, ledger *audit.Ledger, log *slog.Logger) {
	recs, err := ledger.ListInDoubt(ctx, time.Minute)
	if err != nil {
		log.Error("in-doubt audit scan failed", "error", err)
		return
	}
	for _, rec := range recs {
		log.Warn("audit record in doubt",
			"log_type", "audit",
			"audit_id", rec.ID,
			"job_id", rec.JobID,
			"mandate_id", rec.MandateID,
			"tool", rec.ToolName,
			"created_at", rec.CreatedAt,
		)
	}
}

func credentialStore(db *sql.DB) credential.Store {
	if db == nil {
		return credstore.NewInMemory()
	}
	return credstore.NewPostgres(db)
}

func mandateStore(db *sql.DB) mandatesvc.Store {
	if db == nil {
		return mandatestore.NewInMemory()
	}
	return mandatestore.NewPostgres(db)
}

func auditStore(db *sql.DB) audit.Store {
	if db == nil {
		return auditmemory.NewInMemoryStore()
	}
	return auditpostgres.New(db)
}

func jobStore(db *sql.DB) service.Store {
	if db == nil {
		return jobstore.NewInMemory()
	}
	return jobstore.NewPostgres(db)
}

// revocationList prefers Redis for cross-instance revocation, Postgres when
// explicitly selected, and memory otherwise.
func revocationList(cfg config.Server, db *sql.DB, rc *redis.Client, log *slog.Logger) mandatesvc.RevocationList {
	switch {
	case cfg.Mandate.RevocationDB && db != nil:
		return revocation.NewPostgres(db)
	case rc != nil:
		return revocation.NewRedis(rc.Client)
	default:
		log.Warn("mandate revocations are process-local")
		return revocation.NewInMemory()
	}
}
