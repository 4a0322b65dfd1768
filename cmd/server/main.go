// Command server runs the carebridge EVV API: visit clock endpoints, the
// offline sync ingestion endpoint, and the background aggregator delivery
// sweep. Wiring lives here; behavior lives in internal packages.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"carebridge/internal/aggregator/adapters"
	agghandler "carebridge/internal/aggregator/handler"
	aggmetrics "carebridge/internal/aggregator/metrics"
	aggservice "carebridge/internal/aggregator/service"
	aggstore "carebridge/internal/aggregator/store"
	"carebridge/internal/audit"
	"carebridge/internal/evv/integrity"
	evvstore "carebridge/internal/evv/store"
	httpapi "carebridge/internal/http"
	muthandler "carebridge/internal/mutation/handler"
	mutmetrics "carebridge/internal/mutation/metrics"
	mutservice "carebridge/internal/mutation/service"
	mutstore "carebridge/internal/mutation/store"
	"carebridge/internal/platform/config"
	"carebridge/internal/platform/httpserver"
	"carebridge/internal/platform/logger"
	redisclient "carebridge/internal/platform/redis"
	"carebridge/internal/policy"
	policycache "carebridge/internal/policy/cache"
	visithandler "carebridge/internal/visit/handler"
	visitmetrics "carebridge/internal/visit/metrics"
	visitservice "carebridge/internal/visit/service"
	visitstore "carebridge/internal/visit/store"
	id "carebridge/pkg/domain"
	txcontext "carebridge/pkg/platform/tx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	log := logger.New()
	slog.SetDefault(log)

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.PostgresDSN == "" {
		return fmt.Errorf("CAREBRIDGE_POSTGRES_DSN is required")
	}
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	// The aggregator store runs on pgx for SKIP LOCKED claiming; everything
	// else shares the database/sql pool.
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("create pgx pool: %w", err)
	}
	defer pool.Close()

	// Audit trail: non-blocking publisher, background worker, kafka sink when
	// brokers are configured.
	inbox := make(chan audit.Event, 1024)
	var auditStore audit.Store = audit.NewMemoryStore()
	if len(cfg.KafkaBrokers) > 0 {
		kafkaStore, err := audit.NewKafkaStore(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return fmt.Errorf("kafka audit store: %w", err)
		}
		defer kafkaStore.Close()
		auditStore = kafkaStore
	} else {
		log.Warn("no kafka brokers configured, audit events stay in memory")
	}
	auditor := audit.NewPublisher(inbox, log)
	auditWorker := audit.NewWorker(auditStore, inbox, log)

	// Policy resolution, with redis read-through when configured.
	resolverOpts := []policy.Option{policy.WithLogger(log)}
	redisc, err := redisclient.New(cfg.Redis())
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisc != nil {
		defer redisc.Close()
		resolverOpts = append(resolverOpts,
			policy.WithCache(policycache.New(redisc, log), cfg.EVV.PolicyCacheTTL))
	}
	policies, err := policy.New(policy.NewMemoryStore(), policy.Defaults{
		GeofenceRadiusMeters:  cfg.EVV.GeofenceRadiusMeters,
		GPSAccuracyThresholdM: cfg.EVV.GPSAccuracyThresholdM,
	}, resolverOpts...)
	if err != nil {
		return fmt.Errorf("build policy resolver: %w", err)
	}

	hasher, err := integrity.New([]byte(cfg.IntegrityKey))
	if err != nil {
		return fmt.Errorf("build integrity hasher: %w", err)
	}

	registry, err := buildRegistry(cfg.Aggregators, cfg.EVV.AggregatorHTTPTimeout)
	if err != nil {
		return fmt.Errorf("build aggregator registry: %w", err)
	}
	pipeline, err := aggservice.New(aggstore.NewPostgres(pool), registry,
		aggservice.WithLogger(log),
		aggservice.WithMetrics(aggmetrics.New()),
		aggservice.WithAuditPublisher(auditor),
		aggservice.WithRetryPolicy(cfg.EVV.AggregatorMaxRetries, cfg.EVV.RetryBackoff),
		aggservice.WithStaleClaimTimeout(cfg.Sweep.StaleAfter),
	)
	if err != nil {
		return fmt.Errorf("build aggregator pipeline: %w", err)
	}

	records := evvstore.NewPostgres(db)
	visits, err := visitservice.New(
		visitstore.NewPostgres(db),
		records,
		policies,
		hasher,
		visitservice.WithLogger(log),
		visitservice.WithMetrics(visitmetrics.New()),
		visitservice.WithSubmitter(pipeline),
		visitservice.WithAuditPublisher(auditor),
		visitservice.WithTxRunner(txcontext.NewRunner(db)),
	)
	if err != nil {
		return fmt.Errorf("build visit service: %w", err)
	}

	mutations, err := mutservice.New(mutstore.NewPostgres(db), visits,
		mutservice.WithLogger(log),
		mutservice.WithMetrics(mutmetrics.New()),
		mutservice.WithAuditPublisher(auditor),
	)
	if err != nil {
		return fmt.Errorf("build mutation service: %w", err)
	}

	router := httpapi.NewRouter(httpapi.Config{
		JWTSigningKey: cfg.JWTSigningKey,
		Logger:        log,
		Visits:        visithandler.New(visits, log),
		Mutations:     muthandler.New(mutations, log),
		Submissions:   agghandler.New(pipeline, records, log),
		Health: func() error {
			return db.Ping()
		},
	})
	srv := httpserver.New(cfg.Addr, router)
	sweeper := aggservice.NewSweeper(pipeline, cfg.Sweep.Interval, cfg.Sweep.BatchSize, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("carebridge listening",
			slog.String("addr", cfg.Addr),
			slog.Int("aggregator_states", len(cfg.Aggregators.States)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := auditWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("audit worker: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})

	return g.Wait()
}

// buildRegistry constructs one adapter per configured vendor and registers it
// for every state routed to it.
func buildRegistry(cfg config.AggregatorConfig, timeout time.Duration) (*adapters.Registry, error) {
	registry := adapters.NewRegistry()
	var hhax, sandata adapters.Adapter

	for state, name := range cfg.States {
		var a adapters.Adapter
		switch name {
		case "HHAEXCHANGE":
			if hhax == nil {
				if !cfg.HHAeXchange.Configured() {
					return nil, fmt.Errorf("state %s routes to hhaexchange but credentials are missing", state)
				}
				adapter, err := adapters.NewHHAeXchange(adapters.HHAeXchangeConfig{
					BaseURL:      cfg.HHAeXchange.BaseURL,
					TokenURL:     cfg.HHAeXchange.TokenURL,
					ClientID:     cfg.HHAeXchange.ClientID,
					ClientSecret: cfg.HHAeXchange.ClientSecret,
					Timeout:      timeout,
				})
				if err != nil {
					return nil, err
				}
				hhax = adapter
			}
			a = hhax
		case "SANDATA":
			if sandata == nil {
				if !cfg.Sandata.Configured() {
					return nil, fmt.Errorf("state %s routes to sandata but credentials are missing", state)
				}
				adapter, err := adapters.NewSandata(adapters.SandataConfig{
					BaseURL:      cfg.Sandata.BaseURL,
					TokenURL:     cfg.Sandata.TokenURL,
					Account:      cfg.Sandata.Account,
					ClientID:     cfg.Sandata.ClientID,
					ClientSecret: cfg.Sandata.ClientSecret,
					Timeout:      timeout,
				})
				if err != nil {
					return nil, err
				}
				sandata = adapter
			}
			a = sandata
		default:
			return nil, fmt.Errorf("unknown aggregator %q for state %s", name, state)
		}
		if err := registry.Register(id.StateCode(state), a); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
