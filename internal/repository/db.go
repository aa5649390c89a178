package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/RealZimboGuy/approvalflow/internal/config"
	"github.com/RealZimboGuy/approvalflow/internal/migrations"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrConflict is returned when a versioned write lost against another writer.
var ErrConflict = errors.New("concurrent modification")

// Open migrates and opens the database selected by AFLOW_DATABASE_TYPE.
func Open() (*sql.DB, error) {
	switch databaseType := config.GetSystemSettingString(config.DATABASE_TYPE); databaseType {
	case config.DATABASE_TYPE_POSTGRES:
		return openPostgres()
	case config.DATABASE_TYPE_MYSQL:
		return openMysql()
	case config.DATABASE_TYPE_SQLLITE:
		return openSqlLite()
	default:
		return nil, fmt.Errorf("AFLOW_DATABASE_TYPE must be one of POSTGRES, MYSQL, SQLLITE, got %q", databaseType)
	}
}

// Migrate applies the embedded migrations without keeping a connection open.
func Migrate() error {
	switch databaseType := config.GetSystemSettingString(config.DATABASE_TYPE); databaseType {
	case config.DATABASE_TYPE_POSTGRES:
		return RunMigrations("postgres", config.GetSystemSettingString(config.DATABASE_URL))
	case config.DATABASE_TYPE_MYSQL:
		dbURL, err := mysqlURL()
		if err != nil {
			return err
		}
		return RunMigrations("mysql", migrationURL(dbURL))
	case config.DATABASE_TYPE_SQLLITE:
		return RunMigrations("sqllite3", "sqlite3://"+config.GetSystemSettingString(config.DATABASE_SQLLITE_FILE_NAME))
	default:
		return fmt.Errorf("unknown database type %q", databaseType)
	}
}

func openPostgres() (*sql.DB, error) {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		return nil, errors.New("AFLOW_DATABASE_URL must be set when using the POSTGRES database type")
	}
	slog.Info("Using Postgres database")
	if err := RunMigrations("postgres", dbURL); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, db.Ping()
}

func mysqlURL() (string, error) {
	dbURL := config.GetSystemSettingString(config.DATABASE_URL)
	if dbURL == "" {
		return "", errors.New("AFLOW_DATABASE_URL must be set when using the MYSQL database type")
	}
	if !strings.Contains(dbURL, "parseTime=true") {
		return "", errors.New("AFLOW_DATABASE_URL must contain 'parseTime=true' for MySQL")
	}
	if !strings.HasPrefix(dbURL, "mysql://") {
		return "", errors.New("AFLOW_DATABASE_URL must start with 'mysql://' for MySQL")
	}
	return dbURL, nil
}

// migrationURL lets the mysql migrate driver run files holding several statements.
func migrationURL(dbURL string) string {
	if strings.Contains(dbURL, "multiStatements=") {
		return dbURL
	}
	return dbURL + "&multiStatements=true"
}

func openMysql() (*sql.DB, error) {
	dbURL, err := mysqlURL()
	if err != nil {
		return nil, err
	}
	slog.Info("Using MySQL database")
	if err := RunMigrations("mysql", migrationURL(dbURL)); err != nil {
		return nil, fmt.Errorf("migrate mysql: %w", err)
	}
	db, err := sql.Open("mysql", strings.Replace(dbURL, "mysql://", "", 1))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, db.Ping()
}

func openSqlLite() (*sql.DB, error) {
	fileName := config.GetSystemSettingString(config.DATABASE_SQLLITE_FILE_NAME)
	if fileName == "" {
		return nil, errors.New("AFLOW_DATABASE_SQLLITE_FILE_NAME must be set")
	}
	slog.Info("Using SQLite database", "file", fileName)
	if err := RunMigrations("sqllite3", "sqlite3://"+fileName); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	db, err := sql.Open("sqlite3", fileName+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between our own transactions
	db.SetMaxOpenConns(1)
	return db, db.Ping()
}

// RunMigrations applies the migrations of one dialect directory to dbURL.
func RunMigrations(migrationsPath string, dbURL string) error {
	sub, err := fs.Sub(migrations.FS, migrationsPath)
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
