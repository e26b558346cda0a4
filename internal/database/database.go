package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/0x0shephard/t4-bot/internal/logging"
)

// DB represents the database connection
type DB struct {
	*sql.DB
	config *Config
	stats  *PoolStats
	mu     sync.RWMutex
	logger *logging.Logger
	stop   chan struct{}
	once   sync.Once

	// Monitoring callback
	monitorCallback func(*PoolStats)
}

// Config represents database configuration. URL takes precedence over the discrete fields.
type Config struct {
	URL             string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpen         int
	MaxIdle         int
	Timeout         time.Duration
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingRetries     int
	StatsInterval   time.Duration
}

// PoolStats represents connection pool statistics
type PoolStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
	MaxIdleClosed      int64
	MaxLifetimeClosed  int64
	LastUpdated        time.Time
}

// DSN returns the lib/pq connection string
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslmode)
}

// Redacted returns a loggable description of the target without credentials
func (c *Config) Redacted() string {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil {
			return "<unparseable url>"
		}
		return u.Redacted()
	}
	return fmt.Sprintf("%s@%s:%d/%s", c.User, c.Host, c.Port, c.DBName)
}

func (c *Config) applyDefaults() {
	if c.MaxOpen <= 0 {
		c.MaxOpen = 25
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = 15 * time.Minute
	}
	if c.PingRetries <= 0 {
		c.PingRetries = 3
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 30 * time.Second
	}
}

// NewConnection opens the pool and pings it with retries
func NewConnection(cfg *Config) (*DB, error) {
	cfg.applyDefaults()
	logger := logging.GetGlobalLogger().WithFields(logrus.Fields{
		"component": "database",
		"target":    cfg.Redacted(),
	})

	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	var pingErr error
	for i := 0; i < cfg.PingRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		pingErr = db.PingContext(ctx)
		cancel()
		if pingErr == nil {
			break
		}

		logger.WithError(pingErr).Warnf("Database ping attempt %d/%d failed", i+1, cfg.PingRetries)
		if i < cfg.PingRetries-1 {
			time.Sleep(time.Second * time.Duration(i+1))
		}
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database after %d attempts: %w", cfg.PingRetries, pingErr)
	}

	logger.WithFields(logrus.Fields{
		"max_open":      cfg.MaxOpen,
		"max_idle":      cfg.MaxIdle,
		"max_lifetime":  cfg.ConnMaxLifetime.String(),
		"max_idle_time": cfg.ConnMaxIdleTime.String(),
	}).Info("Database connection established")

	database := &DB{
		DB:     db,
		config: cfg,
		stats:  &PoolStats{},
		logger: logger,
		stop:   make(chan struct{}),
	}

	go database.monitorPoolStats()

	return database, nil
}

func open(cfg *Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return db, nil
}

// Close stops the stats loop and closes the pool
func (db *DB) Close() error {
	db.once.Do(func() { close(db.stop) })
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.PingContext(ctx)
}

// GetPoolStats returns current connection pool statistics
func (db *DB) GetPoolStats() *PoolStats {
	db.mu.RLock()
	defer db.mu.RUnlock()

	stats := *db.stats
	return &stats
}

// GetConfig returns the database configuration
func (db *DB) GetConfig() *Config {
	return db.config
}

// SetMonitorCallback sets a callback invoked after every stats refresh
func (db *DB) SetMonitorCallback(callback func(*PoolStats)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.monitorCallback = callback
}

func (db *DB) monitorPoolStats() {
	ticker := time.NewTicker(db.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-db.stop:
			return
		case <-ticker.C:
			db.updatePoolStats()
		}
	}
}

func (db *DB) updatePoolStats() {
	stats := db.DB.Stats()

	db.mu.Lock()
	db.stats.MaxOpenConnections = stats.MaxOpenConnections
	db.stats.OpenConnections = stats.OpenConnections
	db.stats.InUse = stats.InUse
	db.stats.Idle = stats.Idle
	db.stats.WaitCount = stats.WaitCount
	db.stats.WaitDuration = stats.WaitDuration
	db.stats.MaxIdleClosed = stats.MaxIdleClosed
	db.stats.MaxLifetimeClosed = stats.MaxLifetimeClosed
	db.stats.LastUpdated = time.Now()

	if db.monitorCallback != nil {
		statsCopy := *db.stats
		callback := db.monitorCallback
		db.mu.Unlock()
		callback(&statsCopy)
	} else {
		db.mu.Unlock()
	}

	if stats.WaitCount > 0 {
		db.logger.WithFields(logrus.Fields{
			"wait_count":    stats.WaitCount,
			"wait_duration": stats.WaitDuration.String(),
			"in_use":        stats.InUse,
			"idle":          stats.Idle,
		}).Warn("Database connection pool under pressure")
	}
}

// IsHealthy checks if the database connection pool is healthy
func (db *DB) IsHealthy() bool {
	stats := db.GetPoolStats()

	if stats.MaxOpenConnections > 0 && stats.InUse > stats.MaxOpenConnections*80/100 {
		return false
	}
	if stats.WaitCount > 100 {
		return false
	}
	return true
}

// GetHealthStatus returns detailed health status
func (db *DB) GetHealthStatus(ctx context.Context) map[string]interface{} {
	stats := db.GetPoolStats()

	ctx, cancel := context.WithTimeout(ctx, db.config.Timeout)
	defer cancel()

	pingResult := true
	if err := db.PingContext(ctx); err != nil {
		pingResult = false
		db.logger.WithError(err).Warn("Database health check ping failed")
	}

	utilization := 0.0
	if stats.MaxOpenConnections > 0 {
		utilization = float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100
	}

	return map[string]interface{}{
		"healthy":              db.IsHealthy() && pingResult,
		"ping_successful":      pingResult,
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration":        stats.WaitDuration.String(),
		"last_updated":         stats.LastUpdated,
		"utilization_percent":  utilization,
	}
}
