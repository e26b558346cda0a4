package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/0x0shephard/t4-bot/internal/api"
	"github.com/0x0shephard/t4-bot/internal/auth"
	"github.com/0x0shephard/t4-bot/internal/config"
	"github.com/0x0shephard/t4-bot/internal/database"
	"github.com/0x0shephard/t4-bot/internal/ledger"
	"github.com/0x0shephard/t4-bot/internal/logging"
	"github.com/0x0shephard/t4-bot/internal/monitoring"
	"github.com/0x0shephard/t4-bot/internal/scheduler"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "config file path")
		encrypt    = flag.String("encrypt", "", "print the ENC: form of a value using T4_ENCRYPTION_KEY and exit")
		issueToken = flag.String("issue-token", "", "print a signed token for the given role and exit")
		tokenTTL   = flag.Duration("token-ttl", 24*time.Hour, "lifetime of -issue-token tokens")
	)
	flag.Parse()

	if *encrypt != "" {
		value, err := config.NewEnvManager("", "").Encrypt(*encrypt)
		if err != nil {
			fatal("failed to encrypt value", err)
		}
		fmt.Println(value)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("failed to load config", err)
	}

	if *issueToken != "" {
		role, err := ledger.ParseRole(*issueToken)
		if err != nil {
			fatal("invalid role", err)
		}
		token, err := auth.NewResolver(cfg.Auth.JWTSecret, false).IssueToken(role, *tokenTTL)
		if err != nil {
			fatal("failed to issue token", err)
		}
		fmt.Println(token)
		return
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		fatal("failed to create logger", err)
	}
	logging.SetGlobalLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Ledger stopped with error")
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	logger.WithFields(logrus.Fields{
		"app":     cfg.App.Name,
		"version": cfg.App.Version,
		"env":     cfg.App.Env,
	}).Info("Starting T4 pricing ledger")

	metrics := monitoring.NewMetrics()

	var (
		store ledger.Store
		db    *database.DB
	)
	if cfg.UseDatabase() {
		conn := cfg.Database.Connection()
		var err error
		db, err = database.NewConnection(conn)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		db.SetMonitorCallback(metrics.ObservePool)

		if cfg.Database.AutoMigrate {
			if err := migrate(conn); err != nil {
				return err
			}
		}
		store = database.NewPricingStore(db, cfg.Database.ImpersonateRoles)
	} else {
		logger.Warn("No database configured, the ledger runs in memory and loses data on exit")
		store = ledger.NewMemoryStore()
	}

	service := ledger.NewService(store, ledger.Options{
		Policy:           ledger.DefaultPolicy(cfg.Ledger.PublicIndexInsert),
		Guard:            ledger.DeviationGuard{MaxDeviation: decimal.NewFromFloat(cfg.Ledger.Deviation())},
		Tolerance:        decimal.NewNullDecimal(decimal.NewFromFloat(cfg.Ledger.AuditTolerance())),
		StrictInvariants: cfg.Ledger.StrictInvariants,
		Logger:           logger,
		Observer:         metrics,
	})

	var sched *scheduler.Scheduler
	if cfg.Audit.Enabled {
		sched = scheduler.NewScheduler(logger)
		sched.RegisterHandler(scheduler.TaskTypeInvariantAudit, scheduler.NewAuditTask(service, cfg.Audit.Lookback, logger))
		if _, err := sched.AddTask(scheduler.TaskTypeInvariantAudit, cfg.Audit.Schedule, cfg.Audit.Timeout); err != nil {
			return fmt.Errorf("schedule audit: %w", err)
		}
		sched.Start()
	}

	deps := api.Dependencies{
		Service:   service,
		Metrics:   metrics,
		Scheduler: sched,
		Logger:    logger,
	}
	if db != nil {
		deps.DB = db
	}
	server, err := api.NewServer(cfg, deps)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received signal, shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		logger.WithError(err).Error("API server did not stop cleanly")
	}
	if sched != nil {
		if err := sched.Stop(ctx); err != nil {
			logger.WithError(err).Error("Scheduler did not stop cleanly")
		}
	}
	return nil
}

func migrate(conn *database.Config) error {
	migrator, err := database.NewMigrator(conn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil {
		return err
	}
	return nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
