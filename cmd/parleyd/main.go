package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"parley/internal/reconcile"
	"parley/pkg/api"
	"parley/pkg/auth"
	"parley/pkg/banner"
	"parley/pkg/config"
	"parley/pkg/logger"
	"parley/pkg/realtime"
	"parley/pkg/shutdown"
	"parley/pkg/store"
	"parley/pkg/store/pg"
	"parley/pkg/telemetry"
)

// build metadata, set via ldflags during release
var (
	version = "dev"
	commit  = "none"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Init()
		logger.Error("config_load_failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	envUsed := config.LoadEnvOverrides(cfg)
	logger.InitWithLevel(cfg.Logging.Level)

	// Flags win over env and config for addr and db path.
	addr := cfg.Addr()
	if setFlags["addr"] {
		addr = addrVal
	}
	dbPath := cfg.Storage.DBPath
	if dbPath == "" {
		dbPath = config.DefaultDBPath
	}
	if setFlags["db"] {
		dbPath = dbVal
	}

	auth.Configure(cfg.Security.SigningKeys, cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst)

	driver := cfg.Storage.Driver
	if driver == "" {
		driver = "pebble"
	}
	storeDesc := dbPath
	switch driver {
	case "pebble":
		if err := store.Open(dbPath); err != nil {
			logger.Error("store_open_failed", "driver", driver, "path", dbPath, "error", err)
			os.Exit(1)
		}
	case "postgres":
		backend, err := pg.Open(cfg.Storage.DSN)
		if err != nil {
			logger.Error("store_open_failed", "driver", driver, "error", err)
			os.Exit(1)
		}
		store.SetBackend(backend)
		storeDesc = "postgres"
	default:
		logger.Error("store_unknown_driver", "driver", driver)
		os.Exit(1)
	}

	qcap := cfg.Realtime.QueueCapacity
	if qcap <= 0 {
		qcap = config.DefaultQueueCapacity
	}
	hub := realtime.NewHub(qcap)

	var stopReconcile context.CancelFunc
	if cfg.Reconcile.Enabled {
		reg := reconcile.NewRegistry()
		reg.Add(unreadSweep{})
		cronExpr := cfg.Reconcile.Cron
		if cronExpr == "" {
			cronExpr = config.DefaultReconcileCron
		}
		stopReconcile, err = reconcile.Start(context.Background(), cronExpr, reg)
		if err != nil {
			logger.Error("reconcile_start_failed", "error", err)
			os.Exit(1)
		}
	}

	verStr := version
	if commit != "none" {
		verStr = verStr + " (" + commit + ")"
	}
	banner.Print(addr, driver, storeDesc, verStr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server_listening", "addr", addr, "driver", driver, "env_overrides", envUsed)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server_failed", "error", err)
			os.Exit(1)
		}
	}()

	hooks := []shutdown.Hook{
		{Name: "realtime_hub", Fn: func(context.Context) error { hub.Close(); return nil }},
		{Name: "store", Fn: func(context.Context) error { return store.Close() }},
	}
	if stopReconcile != nil {
		hooks = append([]shutdown.Hook{
			{Name: "reconcile", Fn: func(context.Context) error { stopReconcile(); return nil }},
		}, hooks...)
	}
	shutdown.Wait(context.Background(), srv, hooks...)
}

// unreadSweep refreshes the per-user unread gauge from the store so
// operators can watch badge drift between reconcile passes.
type unreadSweep struct{}

func (unreadSweep) Name() string { return "unread_sweep" }

func (unreadSweep) Run(ctx context.Context) error {
	profiles, err := store.ListProfiles(ctx)
	if err != nil {
		return err
	}
	for _, p := range profiles {
		n, err := store.TotalUnread(ctx, p.ID)
		if err != nil {
			logger.Warn("unread_sweep_user_failed", "user", p.ID, "error", err)
			continue
		}
		telemetry.UnreadGauge.WithLabelValues(p.ID).Set(float64(n))
	}
	telemetry.UnreadRefreshes.Inc()
	return nil
}
