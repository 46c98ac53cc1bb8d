package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"sniper/internal/app/server"
	"sniper/internal/cache"
	"sniper/internal/config"
	"sniper/internal/database"
	"sniper/internal/metrics"
	"sniper/internal/providers"
	"sniper/internal/proxypool"
	"sniper/internal/ratelimit"
	"sniper/internal/security"
	"sniper/internal/store"
	"sniper/internal/support"
)

const (
	storeBackendRedis  = "redis"
	storeBackendMemory = "memory"

	shutdownTimeout = 10 * time.Second
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	portFlag := flag.Int("port", 0, "Port for the API server (overrides settings)")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	flag.Parse()

	config.SetProductionMode(*productionFlag)
	log.SetLevel(resolveLogLevel(os.Getenv("LOG_LEVEL"), *productionFlag))

	if err := config.ReadSettings(); err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	cfg := config.GetConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore(cfg.Store, st)

	config.EnableStoreSynchronization(ctx, st)
	defer config.DisableStoreSynchronization()

	if err := config.WatchSettingsFile(ctx); err != nil {
		log.Warn("Settings hot reload disabled", "error", err)
	}

	collector := metrics.NewCollector(metrics.DefaultNamespace, nil)

	archive, err := openArchive(cfg.Archive)
	if err != nil {
		return err
	}

	sealer, err := security.NewSealer(cfg.Proxy.CredentialKey)
	if err != nil {
		return fmt.Errorf("credential sealer: %w", err)
	}

	registry, err := providers.RegistryFromEnv(cfg.Proxy)
	if err != nil {
		return fmt.Errorf("proxy providers: %w", err)
	}
	if registry.Len() == 0 {
		log.Warn("No proxy provider configured, the pool will stay empty")
	}

	managerOpts := []proxypool.Option{
		proxypool.WithMetrics(collector),
		proxypool.WithSealer(sealer),
	}
	if archive != nil {
		managerOpts = append(managerOpts, proxypool.WithArchive(archive))
	}
	manager := proxypool.NewManager(st, registry, managerOpts...)

	srv := server.New(server.Deps{
		Manager:   manager,
		Limiter:   ratelimit.NewLimiter(st, ratelimit.WithMetrics(collector)),
		Admission: ratelimit.NewAdmission(nil, collector),
		Cache:     cache.NewSWR(st, cache.WithMetrics(collector)),
		Strategy:  cache.NewStrategy(st, nil),
		Metrics:   collector,
		Archive:   archive,
	})

	port := cfg.Server.Port
	if *portFlag != 0 {
		port = *portFlag
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Start(gctx, proxypool.ScheduleFromConfig())
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx, port)
	})

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to persist final proxy stats", "error", err)
	}

	return runErr
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case storeBackendMemory:
		log.Warn("Using in-process store, state is not shared between nodes")
		return store.NewMemoryStore(), nil
	case storeBackendRedis, "":
		client, err := support.GetRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get redis client: %w", err)
		}
		return store.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func closeStore(cfg config.StoreConfig, st store.Store) {
	var err error
	if _, ok := st.(*store.RedisStore); ok {
		err = support.CloseRedisClient()
	} else {
		err = st.Close()
	}
	if err != nil {
		log.Warn("error closing store", "backend", cfg.Backend, "error", err)
	}
}

// openArchive returns nil when no archive driver is configured.
func openArchive(cfg config.ArchiveConfig) (*database.Archive, error) {
	dialector, err := database.DialectorFor(cfg)
	if err != nil {
		return nil, err
	}
	if dialector == nil {
		log.Info("Archive disabled")
		return nil, nil
	}

	db, err := database.SetupDB(database.WithDialector(dialector))
	if err != nil {
		return nil, fmt.Errorf("failed to set up archive database: %w", err)
	}
	return database.NewArchive(db), nil
}

func resolveLogLevel(raw string, production bool) log.Level {
	if raw != "" {
		if level, err := log.ParseLevel(strings.ToLower(raw)); err == nil {
			return level
		}
		log.Warn("invalid log level", "value", raw)
	}
	if production {
		return log.InfoLevel
	}
	return log.DebugLevel
}
