package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/0x0shephard/t4-bot/internal/config"
	"github.com/0x0shephard/t4-bot/internal/database"
	"github.com/0x0shephard/t4-bot/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "config file path")
		up         = flag.Bool("up", false, "apply pending migrations")
		down       = flag.Bool("down", false, "roll back all migrations")
		version    = flag.Bool("version", false, "print the current migration version")
		force      = flag.Int("force", -1, "force the migration version (clears a dirty state)")
		drop       = flag.Bool("drop", false, "drop every object in the schema")
		help       = flag.Bool("help", false, "show help")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("failed to load config", err)
	}
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		fatal("failed to create logger", err)
	}
	logging.SetGlobalLogger(logger)

	if !cfg.UseDatabase() {
		fatal("no database configured", fmt.Errorf("set database.url or database.host (or T4_DATABASE_URL)"))
	}

	conn := cfg.Database.Connection()
	logger.WithField("target", conn.Redacted()).Info("Connecting to database")

	migrator, err := database.NewMigrator(conn)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create migrator")
	}
	defer migrator.Close()

	switch {
	case *up:
		runMigrations(logger, migrator)
	case *down:
		rollbackMigrations(logger, migrator)
	case *version:
		showVersion(logger, migrator)
	case *force >= 0:
		forceMigrationVersion(logger, migrator, *force)
	case *drop:
		dropDatabase(logger, migrator)
	default:
		runMigrations(logger, migrator)
	}
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func showHelp() {
	fmt.Println("T4 ledger migration tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate [options]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config string")
	fmt.Println("        config file path (default: configs/config.yaml)")
	fmt.Println("  -up")
	fmt.Println("        apply pending migrations (default action)")
	fmt.Println("  -down")
	fmt.Println("        roll back all migrations")
	fmt.Println("  -version")
	fmt.Println("        print the current migration version")
	fmt.Println("  -force int")
	fmt.Println("        force the migration version, used to clear a dirty state")
	fmt.Println("  -drop")
	fmt.Println("        drop every object in the schema (destructive)")
	fmt.Println("  -help")
	fmt.Println("        show this help")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  migrate -up")
	fmt.Println("  migrate -version")
	fmt.Println("  migrate -force 1")
	fmt.Println("  T4_DATABASE_URL=postgres://... migrate -config '' -up")
}

func runMigrations(logger *logging.Logger, migrator *database.Migrator) {
	logger.Info("Applying migrations")
	if err := migrator.Up(); err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}
	showVersion(logger, migrator)
}

func rollbackMigrations(logger *logging.Logger, migrator *database.Migrator) {
	logger.Warn("Rolling back all migrations")
	if err := migrator.Down(); err != nil {
		logger.WithError(err).Fatal("Rollback failed")
	}
}

func showVersion(logger *logging.Logger, migrator *database.Migrator) {
	status, err := migrator.Status()
	if err != nil {
		logger.WithError(err).Fatal("Failed to read migration version")
	}
	if !status.Applied {
		fmt.Println("no migrations applied")
		return
	}
	fmt.Printf("migration version: %d (dirty: %t)\n", status.Version, status.Dirty)
}

func forceMigrationVersion(logger *logging.Logger, migrator *database.Migrator, version int) {
	if err := migrator.Force(version); err != nil {
		logger.WithError(err).Fatal("Failed to force migration version")
	}
}

func dropDatabase(logger *logging.Logger, migrator *database.Migrator) {
	logger.Warn("Dropping every table and view in the schema")
	if err := migrator.Drop(); err != nil {
		logger.WithError(err).Fatal("Drop failed")
	}
}
