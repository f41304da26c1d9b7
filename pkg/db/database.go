package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/thep200/gitpulse/cfg"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverMysql  = "mysql"
	DriverSqlite = "sqlite"
)

// Database lazily opens one gorm handle for the configured driver.
type Database struct {
	Config  *cfg.Config
	once    sync.Once
	db      *gorm.DB
	initErr error
}

func NewDatabase(config *cfg.Config) (*Database, error) {
	switch config.Database.Driver {
	case DriverMysql, DriverSqlite:
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", config.Database.Driver)
	}
	return &Database{
		Config: config,
	}, nil
}

func (m *Database) DSN() string {
	if m.Config.Database.Driver == DriverSqlite {
		return m.Config.Database.SqlitePath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	config := mysqlDriver.Config{
		User:                 m.Config.Database.Username,
		Passwd:               m.Config.Database.Password,
		DBName:               m.Config.Database.Database,
		Addr:                 m.Config.Database.Host + ":" + m.Config.Database.Port,
		Net:                  "tcp",
		ParseTime:            true,
		Loc:                  time.UTC,
		AllowNativePasswords: true,
	}
	return config.FormatDSN()
}

func (m *Database) dialector() gorm.Dialector {
	if m.Config.Database.Driver == DriverSqlite {
		return gormsqlite.Open(m.DSN())
	}
	return mysql.Open(m.DSN())
}

func (m *Database) Db() (*gorm.DB, error) {
	m.once.Do(func() {
		// Open connection
		var db *gorm.DB
		db, m.initErr = gorm.Open(m.dialector(), &gorm.Config{
			Logger:  logger.Default.LogMode(logger.Warn),
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if m.initErr != nil {
			return
		}

		// Get sqlDB
		var sqlDB *sql.DB
		sqlDB, m.initErr = db.DB()
		if m.initErr != nil {
			return
		}

		// Setting connection pool
		if m.Config.Database.Driver == DriverSqlite {
			// one writer at a time; sqlite serializes anyway
			sqlDB.SetMaxOpenConns(1)
		} else {
			sqlDB.SetMaxIdleConns(m.Config.Database.MaxIdleConnection)
			sqlDB.SetMaxOpenConns(m.Config.Database.MaxOpenConnection)
			sqlDB.SetConnMaxLifetime(time.Duration(m.Config.Database.MaxLifeTimeConnection) * time.Second)
		}

		//
		m.db = db
	})
	return m.db, m.initErr
}

func (m *Database) Ping() error {
	db, err := m.Db()
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func (m *Database) Close() error {
	if m.db != nil {
		sqlDB, err := m.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func (m *Database) Migrate(models ...interface{}) error {
	db, err := m.Db()
	if err != nil {
		return err
	}
	return db.AutoMigrate(models...)
}
