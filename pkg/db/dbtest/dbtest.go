// Package dbtest opens isolated in-memory sqlite databases carrying the
// reconcile schema.
package dbtest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open returns a fresh database named after the running test. The pool is
// pinned to one connection so concurrent callers serialize like row locks.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	_ = db.Exec("PRAGMA journal_mode = WAL").Error

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

var schema = []string{
	`CREATE TABLE merchants (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		normalized_name TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		latitude REAL,
		longitude REAL,
		postal_code TEXT,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE usage_features (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		included_usage INTEGER,
		reset_interval TEXT NOT NULL DEFAULT 'month',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE reward_programs (
		id INTEGER PRIMARY KEY,
		merchant_id INTEGER NOT NULL,
		feature_id TEXT NOT NULL,
		feature_kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE transactions (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		descriptor TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		posted_at DATETIME NOT NULL,
		ingested_at DATETIME NOT NULL,
		latitude REAL,
		longitude REAL,
		postal_code TEXT,
		metadata TEXT,
		match_state TEXT NOT NULL DEFAULT 'unmatched',
		matched_merchant_id INTEGER,
		matched_program_id INTEGER,
		match_confidence REAL NOT NULL DEFAULT 0,
		match_reason TEXT,
		match_attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at DATETIME,
		lease_token TEXT,
		leased_until DATETIME,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE usage_counters (
		feature_id TEXT NOT NULL,
		subject_id INTEGER NOT NULL,
		bucket_start DATETIME NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (feature_id, subject_id, bucket_start)
	)`,
	`CREATE TABLE usage_credits (
		id INTEGER PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		feature_id TEXT NOT NULL,
		subject_id INTEGER NOT NULL,
		bucket_start DATETIME NOT NULL,
		amount INTEGER NOT NULL,
		remaining INTEGER,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}
