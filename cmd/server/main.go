package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	appservice "github.com/turtacn/tap/internal/application/service"
	"github.com/turtacn/tap/internal/config"
	"github.com/turtacn/tap/internal/domain/repository"
	domainservice "github.com/turtacn/tap/internal/domain/service"
	"github.com/turtacn/tap/internal/infrastructure/admission"
	"github.com/turtacn/tap/internal/infrastructure/audit"
	"github.com/turtacn/tap/internal/infrastructure/chain"
	"github.com/turtacn/tap/internal/infrastructure/funder"
	"github.com/turtacn/tap/internal/infrastructure/kms"
	"github.com/turtacn/tap/internal/infrastructure/monitoring"
	"github.com/turtacn/tap/internal/infrastructure/persistence/memory"
	"github.com/turtacn/tap/internal/infrastructure/persistence/postgres"
	"github.com/turtacn/tap/internal/infrastructure/persistence/redis"
	tapHTTP "github.com/turtacn/tap/internal/interfaces/http"
	"github.com/turtacn/tap/internal/interfaces/http/handlers"
	"github.com/turtacn/tap/internal/interfaces/http/middleware"
	"github.com/turtacn/tap/pkg/constants"
	"github.com/turtacn/tap/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	validateOnly := flag.Bool("validate-config", false, "validate the configuration and exit")
	flag.Parse()

	startupLogger, err := monitoring.NewZapLogger(&config.LogConfig{Level: "info", Format: "console"})
	if err != nil {
		log.Fatalf("failed to create startup logger: %v", err)
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		startupLogger.Fatal(context.Background(), "failed to load configuration", err)
	}
	if *validateOnly {
		fmt.Println("configuration is valid")
		return
	}

	appLogger, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		startupLogger.Fatal(context.Background(), "failed to create logger", err)
	}

	if err := run(cfg, loader, appLogger); err != nil {
		appLogger.Fatal(context.Background(), "server exited", err)
	}
}

func run(cfg *config.Config, loader *config.Loader, appLogger logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing, err := monitoring.NewTracingManager(&cfg.Tracing, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer tracing.Shutdown(context.Background())

	metrics := monitoring.NewMetrics()

	store, probes, cleanup, err := buildQuotaStore(ctx, cfg, appLogger)
	if err != nil {
		return err
	}
	defer cleanup()

	// History persistence is optional.
	var history repository.RequestRepository
	var reaper *postgres.Reaper
	if cfg.History.Enabled {
		gormDB, err := postgres.NewGormDB(&cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to open history database: %w", err)
		}
		repo, err := postgres.NewGormRequestRepository(gormDB)
		if err != nil {
			return fmt.Errorf("failed to prepare history repository: %w", err)
		}
		history = repo
		reaper = postgres.NewReaper(repo, cfg.History.RowTTL, cfg.History.ReaperInterval, metrics, appLogger)
	}

	keySeedHex := cfg.Funder.PrivateKeyHex
	if cfg.Funder.KeySource == "vault" {
		keyLoader, err := kms.NewVaultKeyLoader(&cfg.Vault, appLogger)
		if err != nil {
			return err
		}
		keySeedHex, err = keyLoader.LoadFunderKey(ctx)
		if err != nil {
			return err
		}
	}

	chainClient, err := chain.NewRestClient(&cfg.Funder, keySeedHex, appLogger)
	if err != nil {
		return err
	}

	var auditService domainservice.AuditService = audit.NoopAuditService{}
	if cfg.Kafka.Enabled {
		auditService = audit.NewKafkaProducer(&cfg.Kafka, appLogger)
	}
	defer auditService.Close()

	transferFunder := funder.NewTransferFunder(chainClient, store, &cfg.Funder, metrics, appLogger)

	app := appservice.NewTapAppService(
		nil, nil, transferFunder, store, history, auditService,
		&cfg.Quota, metrics, appLogger,
	)

	// Quota checkers read limits through the app service so reloads apply to
	// the running chain.
	bypassers, checkers, err := buildAdmission(cfg, store, metrics, appLogger, app.QuotaLimits)
	if err != nil {
		return err
	}
	app.SetBypassers(bypassers)
	app.SetCheckers(checkers)

	loader.Watch(appLogger, func(updated *config.Config) {
		app.UpdateQuota(&updated.Quota)
	})

	mw := middleware.New(appLogger, tracing)
	fundHandler := handlers.NewFundHandler(app, appLogger)
	healthHandler := handlers.NewHealthHandler(probes, appLogger)
	router := tapHTTP.NewRouter(cfg, appLogger, fundHandler, healthHandler, mw)

	appLogger.Info(ctx, "starting tap server",
		logger.String("service", constants.ServiceName),
		logger.String("quota_store", cfg.Quota.Store),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Start(gctx) })
	if reaper != nil {
		g.Go(func() error {
			if err := reaper.Run(gctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// buildQuotaStore selects the quota backend and its health probes.
func buildQuotaStore(ctx context.Context, cfg *config.Config, log logger.Logger) (repository.QuotaStore, []handlers.HealthProbe, func(), error) {
	switch cfg.Quota.Store {
	case "redis":
		conn, err := redis.NewRedisConnection(&cfg.Redis, log)
		if err != nil {
			return nil, nil, nil, err
		}
		store := redis.NewQuotaStore(conn, "tap:quota", cfg.Quota.ReservationLease, log)
		probes := []handlers.HealthProbe{{Name: "redis", Check: conn.HealthCheck}}
		return store, probes, func() { conn.Close() }, nil
	case "postgres":
		conn, err := postgres.NewDBConnection(ctx, &cfg.Database, log)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := postgres.NewQuotaStore(ctx, conn, cfg.Quota.ReservationLease, log)
		if err != nil {
			conn.Close()
			return nil, nil, nil, err
		}
		probes := []handlers.HealthProbe{{Name: "postgres", Check: conn.HealthCheck}}
		return store, probes, func() { conn.Close() }, nil
	default:
		store := memory.NewQuotaStore(cfg.Quota.ReservationLease, log)
		return store, nil, func() { store.Close() }, nil
	}
}

// buildAdmission assembles the bypassers and the checker chain.
func buildAdmission(
	cfg *config.Config,
	store repository.QuotaStore,
	metrics *monitoring.Metrics,
	log logger.Logger,
	limits func() *config.QuotaConfig,
) ([]domainservice.Bypasser, []domainservice.Checker, error) {
	var bypassers []domainservice.Bypasser
	if len(cfg.Bypass.AuthTokens) > 0 || cfg.Bypass.JWTSecret != "" {
		bypassers = append(bypassers, admission.NewAuthTokenBypasser(&cfg.Bypass, log))
	}
	if len(cfg.Bypass.AllowCIDRs) > 0 {
		allowlist, err := admission.NewIPAllowlistBypasser(cfg.Bypass.AllowCIDRs, log)
		if err != nil {
			return nil, nil, err
		}
		bypassers = append(bypassers, allowlist)
	}

	blocklist, err := admission.NewIPBlocklistChecker(cfg.Check.BlockCIDRs)
	if err != nil {
		return nil, nil, err
	}
	checkers := []domainservice.Checker{
		admission.NewAmountChecker(cfg.Funder.MinimumAmount, cfg.Funder.MaximumAmount),
		admission.NewAuthTokenChecker(cfg.Check.DeniedTokens),
		blocklist,
		admission.NewQuotaChecker(store, constants.QuotaScopeIP, limits, metrics, log),
		admission.NewQuotaChecker(store, constants.QuotaScopeAccount, limits, metrics, log),
	}
	return bypassers, checkers, nil
}
