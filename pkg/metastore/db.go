// Package metastore implements the Metadata Store Adapter (C6): a thin
// GORM wrapper over two logical databases (a global store for
// buckets/tasks, one regional store per region for object rows) plus the
// repository operations the Ingest/Read Coordinators and Task Worker drive.
package metastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config describes a single Postgres connection (either the global store or
// one regional store).
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DB wraps a *gorm.DB. Kept as its own type, rather than using *gorm.DB
// directly, so the repository layer can be exercised against a SQLite
// in-memory handle in tests without caring how the handle was opened.
type DB struct {
	conn *gorm.DB
}

// Open connects to Postgres, configures the connection pool, and verifies
// connectivity before returning.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, cfg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("metastore: connecting to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("metastore: obtaining sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("metastore: ping failed: %w", err)
	}

	return &DB{conn: db}, nil
}

// NewWithConn wraps an already-open GORM connection — used by tests to
// attach an in-memory SQLite handle.
func NewWithConn(conn *gorm.DB) *DB { return &DB{conn: conn} }

// AutoMigrate runs GORM's schema migration for the given models.
func (d *DB) AutoMigrate(models ...any) error {
	return d.conn.AutoMigrate(models...)
}

// Conn exposes the underlying *gorm.DB for repository use.
func (d *DB) Conn() *gorm.DB { return d.conn }

// GlobalMigrations lists the models that belong in the global store.
func GlobalMigrations() []any {
	return []any{&BucketModel{}, &TaskModel{}}
}

// RegionalMigrations lists the models that belong in each regional store.
func RegionalMigrations() []any {
	return []any{&ObjectModel{}}
}
