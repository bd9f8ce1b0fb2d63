// Package database provides database connection management for dss.
// It supports SQLite, PostgreSQL, and MySQL through GORM.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cetrio/dss/internal/config"
	"github.com/cetrio/dss/internal/models"
)

// DB wraps a GORM database connection with additional functionality.
type DB struct {
	*gorm.DB
	cfg    config.DatabaseConfig
	logger *slog.Logger
}

// New creates a new database connection based on the provided configuration
// and migrates the schema.
func New(cfg config.DatabaseConfig, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}

	dialector, err := getDialector(cfg)
	if err != nil {
		return nil, fmt.Errorf("getting dialector: %w", err)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 newGormLogger(cfg.LogLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}

	// For SQLite in WAL mode, concurrent readers are allowed but only one
	// writer at a time; keep the pool small to limit lock contention.
	maxOpen := cfg.MaxOpenConns
	maxIdle := cfg.MaxIdleConns
	if cfg.Driver == "sqlite" && maxOpen > 6 {
		maxOpen = 6
		maxIdle = 3
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	wrapper := &DB{DB: db, cfg: cfg, logger: log}

	if err := wrapper.migrate(); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	log.Info("database ready",
		slog.String("driver", cfg.Driver),
		slog.Int("max_open_conns", maxOpen),
	)

	return wrapper, nil
}

// getDialector returns the appropriate GORM dialector for the configured driver.
func getDialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "dss.db"
		}
		if dsn != ":memory:" {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		}
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %q", cfg.Driver)
	}
}

// migrate creates or updates the schema for all models.
func (d *DB) migrate() error {
	return d.AutoMigrate(
		&models.ProviderRecord{},
		&models.StaticStream{},
		&models.MobileStream{},
		&models.Metadata{},
	)
}

// CheckVersion compares the stored content version against the configured
// one, initializing the metadata key when absent.
func (d *DB) CheckVersion(ctx context.Context) error {
	var meta models.Metadata
	err := d.WithContext(ctx).First(&meta, "key = ?", models.MetaKeyVersion).Error
	if err == gorm.ErrRecordNotFound {
		meta = models.Metadata{Key: models.MetaKeyVersion, Value: strconv.Itoa(d.cfg.Version)}
		return d.WithContext(ctx).Create(&meta).Error
	}
	if err != nil {
		return fmt.Errorf("reading metadata version: %w", err)
	}

	current, err := strconv.Atoi(meta.Value)
	if err != nil {
		return fmt.Errorf("parsing metadata version %q: %w", meta.Value, err)
	}
	if current != d.cfg.Version {
		d.logger.Info("database content version mismatch, upgrading",
			slog.Int("current", current),
			slog.Int("target", d.cfg.Version),
		)
		meta.Value = strconv.Itoa(d.cfg.Version)
		return d.WithContext(ctx).Save(&meta).Error
	}
	return nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// newGormLogger maps the configured level onto GORM's logger.
func newGormLogger(level string) gormlogger.Interface {
	var l gormlogger.LogLevel
	switch level {
	case "silent":
		l = gormlogger.Silent
	case "error":
		l = gormlogger.Error
	case "info":
		l = gormlogger.Info
	default:
		l = gormlogger.Warn
	}
	return gormlogger.Default.LogMode(l)
}
