// Package sqlstore keeps session credentials in a SQL table through gorm.
// MySQL and PostgreSQL are supported.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// Entry is one credential row.
type Entry struct {
	Key       string `gorm:"primaryKey;size:191"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (Entry) TableName() string { return "estate_session_entries" }

type Option func(*gorm.DB) error

func WithMaxOpenConns(n int) Option {
	return func(db *gorm.DB) error {
		d, err := db.DB()
		if err != nil {
			return err
		}
		d.SetMaxOpenConns(n)
		return nil
	}
}

func WithMaxIdleConns(n int) Option {
	return func(db *gorm.DB) error {
		d, err := db.DB()
		if err != nil {
			return err
		}
		d.SetMaxIdleConns(n)
		return nil
	}
}

func WithConnMaxIdleTime(d time.Duration) Option {
	return func(db *gorm.DB) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetConnMaxIdleTime(d)
		return nil
	}
}

// KV implements auth.KV on a gorm connection.
type KV struct {
	db *gorm.DB
}

// Open connects with driver "mysql" or "postgres", enables tracing and
// migrates the entries table.
func Open(driver, dsn string, opts ...Option) (*KV, error) {
	var dial gorm.Dialector
	switch strings.ToLower(driver) {
	case "mysql":
		dial = mysql.Open(dsn)
	case "postgres", "postgresql", "pg":
		dial = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}
	for _, apply := range opts {
		if err := apply(db); err != nil {
			return nil, err
		}
	}
	return New(db)
}

// New wraps an open gorm connection and migrates the entries table.
func New(db *gorm.DB) (*KV, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &KV{db: db}, nil
}

func (kv *KV) Get(ctx context.Context, key string) (string, bool, error) {
	var e Entry
	err := kv.db.WithContext(ctx).Where(map[string]any{"key": key}).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return e.Value, true, nil
}

func (kv *KV) Put(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]Entry, 0, len(entries))
	for k, v := range entries {
		rows = append(rows, Entry{Key: k, Value: v})
	}
	return kv.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rows).Error
}

func (kv *KV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return kv.db.WithContext(ctx).Where(map[string]any{"key": keys}).Delete(&Entry{}).Error
}

func (kv *KV) Close() error {
	d, err := kv.db.DB()
	if err != nil {
		return err
	}
	return d.Close()
}
