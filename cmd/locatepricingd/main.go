// Command locatepricingd runs the locate-fee pricing service: it wires the
// config, telemetry, cache, adapters, resolver, rate limiter, orchestrator,
// and audit sink described in SPEC_FULL.md into a single HTTP process.
// Grounded on the teacher's services/otc-gateway/main.go (http.ListenAndServe
// + otelhttp wrap) and services/lendingd/main.go (signal-driven graceful
// shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/locatefinance/pricing-engine/internal/config"
	"github.com/locatefinance/pricing-engine/internal/httpapi"
	"github.com/locatefinance/pricing-engine/internal/telemetry/logging"
	telemetryotel "github.com/locatefinance/pricing-engine/internal/telemetry/otel"
	"github.com/locatefinance/pricing-engine/pricing/adapter"
	"github.com/locatefinance/pricing-engine/pricing/audit"
	"github.com/locatefinance/pricing-engine/pricing/cache"
	"github.com/locatefinance/pricing-engine/pricing/kernel"
	"github.com/locatefinance/pricing-engine/pricing/orchestrator"
	"github.com/locatefinance/pricing-engine/pricing/ratelimit"
	"github.com/locatefinance/pricing-engine/pricing/resolver"
	"github.com/locatefinance/pricing-engine/pricing/store"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to locatepricingd config YAML (defaults applied if omitted)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logging.Setup(logging.Options{Service: cfg.Telemetry.ServiceName, Env: cfg.Environment, FilePath: cfg.Telemetry.LogFilePath})

	shutdownTelemetry, err := telemetryotel.Init(context.Background(), telemetryotel.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.OTLPInsecure,
		Metrics:     cfg.Telemetry.MetricsEnabled,
		Traces:      cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	c, stopCache, err := cache.New(ctx, cache.Options{
		Environment:          cfg.Environment,
		L1MaxEntries:         cfg.Cache.L1MaxEntries,
		L1MaxTTL:             cfg.Cache.L1MaxTTL,
		Redis:                redisClient,
		InvalidationChannel:  cfg.Cache.InvalidationChannel,
		StaleGraceMultiplier: cfg.Cache.StaleGraceMultiplier,
	})
	if err != nil {
		log.Fatalf("construct cache: %v", err)
	}
	defer stopCache()

	db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	}
	if err := store.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate reference data: %v", err)
	}

	repo := store.New(db, cfg.Environment, c.Invalidate)

	borrowRateAdapter := adapter.NewBorrowRateAdapter(adapterConfig("borrow_rate", cfg.Adapters.BorrowRateURL, cfg))
	volatilityAdapter := adapter.NewVolatilityAdapter(adapterConfig("volatility", cfg.Adapters.VolatilityURL, cfg))
	eventRiskAdapter := adapter.NewEventRiskAdapter(adapterConfig("event_risk", cfg.Adapters.EventRiskURL, cfg))

	globalMinRate := decimal.NewFromFloat(cfg.Formula.GlobalMinRate)

	res := resolver.New(c, borrowRateAdapter, volatilityAdapter, eventRiskAdapter, repo, globalMinRate, resolver.TTLs{
		BorrowRate: cfg.Cache.TTLBorrowRate,
		Volatility: cfg.Cache.TTLVolatility,
		EventRisk:  cfg.Cache.TTLEventRisk,
	}, cfg.Formula.EnableFallback)

	limiter := ratelimit.New(ctx, redisClient, cfg.Environment, ratelimit.Limits{
		Capacity:       cfg.RateLimit.DefaultCapacity,
		RefillPerSec:   cfg.RateLimit.DefaultRefillPerSec,
		BurstAllowance: cfg.RateLimit.DefaultBurstAllowance,
	}, nil)

	sink, closeSink, err := buildAuditSink(cfg, db)
	if err != nil {
		log.Fatalf("construct audit sink: %v", err)
	}
	defer closeSink()
	writer := audit.NewWriter(sink, cfg.Audit.Partition)

	kernelCfg := kernel.Config{
		VFactor:     decimal.NewFromFloat(cfg.Formula.VFactor),
		EFactor:     decimal.NewFromFloat(cfg.Formula.EFactor),
		DaysPerYear: decimal.NewFromInt(int64(cfg.Formula.DaysPerYear)),
	}

	orch := orchestrator.New(c, cfg.Cache.TTLCalculation, res, res, res, repo, writer, repo, globalMinRate, kernelCfg)

	srv := httpapi.New(httpapi.Config{
		Pipeline:     orch,
		RateResolver: res,
		RateLimiter:  limiter,
		Resolver:     httpapi.StaticResolver{},
		Readiness: map[string]httpapi.ReadinessChecker{
			"redis": func() error {
				if redisClient == nil {
					return nil
				}
				return redisClient.Ping(context.Background()).Err()
			},
			"postgres": func() error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(context.Background())
			},
		},
		ServiceName:     cfg.Telemetry.ServiceName,
		RequestDeadline: cfg.Timeouts.Request,
	})

	handler := otelhttp.NewHandler(srv.Handler(), cfg.Telemetry.ServiceName)
	httpServer := &http.Server{
		Addr:         cfg.HTTP.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("locatepricingd listening on %s", cfg.HTTP.ListenAddress)
		serverErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("forcing server close: %v", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve http: %v", err)
		}
	}
}

func adapterConfig(name, baseURL string, cfg config.Config) adapter.Config {
	return adapter.Config{
		Name:             name,
		BaseURL:          baseURL,
		RequestTimeout:   cfg.Timeouts.Upstream,
		RetryAttempts:    cfg.Adapters.RetryAttempts,
		BaseBackoff:      cfg.Adapters.BaseBackoff,
		FailureThreshold: cfg.Adapters.BreakerFailureThreshold,
		SuccessThreshold: cfg.Adapters.BreakerSuccessThreshold,
		RecoveryTimeout:  cfg.Adapters.BreakerRecoveryTimeout,
	}
}

// buildAuditSink selects the C7 backend per cfg.Audit.Backend, matching
// spec.md §9's mandate that hash-chaining is never optional: audit.Writer
// computes self_hash for every record whichever backend is chosen, and both
// backends reject a record whose prev_hash is not the current head. The
// postgres backend reuses the already-open reference-data connection
// rather than opening a second pool against the same DSN.
func buildAuditSink(cfg config.Config, referenceDataDB *gorm.DB) (audit.Sink, func(), error) {
	switch cfg.Audit.Backend {
	case "bbolt":
		sink, err := audit.NewBoltSink(cfg.Audit.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open bbolt audit sink: %w", err)
		}
		return sink, func() { _ = sink.Close() }, nil
	case "postgres":
		if err := audit.AutoMigrate(referenceDataDB); err != nil {
			return nil, nil, fmt.Errorf("auto migrate audit_records: %w", err)
		}
		return audit.NewPostgresSink(referenceDataDB), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}
