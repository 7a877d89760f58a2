package datastore

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/rovernet/roverbridge/internal/conf"
	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/logger"
)

const memoryDSN = ":memory:"

// SQLiteStore implements Interface for SQLite
type SQLiteStore struct {
	DataStore
	Settings conf.SQLiteSettings
}

// sqliteDSN adds a busy timeout so concurrent writers wait instead of failing
func sqliteDSN(path string) string {
	if path == memoryDSN {
		return path
	}
	return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
}

// Open opens the database file, creating its directory, and migrates the schema
func (store *SQLiteStore) Open() error {
	path := store.Settings.Path
	if path == "" {
		return errors.Newf("sqlite path is empty").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	if path != memoryDSN {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), store.gormConfig())
	if err != nil {
		store.log.Error("failed to open SQLite database",
			logger.String("path", path),
			logger.Error(err))
		return errors.New(fmt.Errorf("failed to open SQLite database: %w", err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Context("path", path).
			Build()
	}

	// a single connection keeps :memory: databases alive and serializes writers
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store.DB = db
	store.log.Info("SQLite database opened", logger.String("path", path))
	return performAutoMigration(db, store.log, "SQLite")
}
