package datastore

import (
	"fmt"
	"net"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/rovernet/roverbridge/internal/conf"
	"github.com/rovernet/roverbridge/internal/errors"
	"github.com/rovernet/roverbridge/internal/logger"
)

const (
	mysqlMaxOpenConns    = 10
	mysqlMaxIdleConns    = 5
	mysqlConnMaxLifetime = 30 * time.Minute
)

// MySQLStore implements Interface for MySQL
type MySQLStore struct {
	DataStore
	Settings conf.MySQLSettings
}

// mysqlDSN builds the driver DSN. Times are stored and parsed as UTC.
func mysqlDSN(s conf.MySQLSettings) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = s.Username
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	cfg.DBName = s.Database
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg.FormatDSN()
}

// Open connects to the server and migrates the schema
func (store *MySQLStore) Open() error {
	db, err := gorm.Open(mysql.Open(mysqlDSN(store.Settings)), store.gormConfig())
	if err != nil {
		store.log.Error("failed to open MySQL database",
			logger.String("host", store.Settings.Host),
			logger.Int("port", store.Settings.Port),
			logger.String("database", store.Settings.Database),
			logger.Error(err))
		return errors.New(fmt.Errorf("failed to open MySQL database: %w", err)).
			Component(componentName).
			Category(errors.CategoryDatabase).
			Context("host", store.Settings.Host).
			Context("database", store.Settings.Database).
			Build()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve generic DB object: %w", err)
	}
	sqlDB.SetMaxOpenConns(mysqlMaxOpenConns)
	sqlDB.SetMaxIdleConns(mysqlMaxIdleConns)
	sqlDB.SetConnMaxLifetime(mysqlConnMaxLifetime)

	store.DB = db
	store.log.Info("MySQL database opened",
		logger.String("host", store.Settings.Host),
		logger.String("database", store.Settings.Database))
	return performAutoMigration(db, store.log, "MySQL")
}
