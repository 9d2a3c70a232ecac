package database

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver registered as "pgx"

	"server-dr/internal/config"
	"server-dr/internal/errors"
	"server-dr/internal/execution"
	"server-dr/internal/logging"
)

// DatabaseService defines the engine operations used by backers, restorers and the DR harness
type DatabaseService interface {
	Engine() string
	ListDatabases(ctx context.Context) ([]string, error)
	DatabaseExists(ctx context.Context, name string) (bool, error)
	CreateDatabase(ctx context.Context, name string) error
	DropDatabase(ctx context.Context, name string) error
	Tables(ctx context.Context, database string) ([]string, error)
	RowCounts(ctx context.Context, database string) (map[string]int64, error)
	Ping(ctx context.Context) error
	DumpCommand(database string) execution.Command
	RestoreCommand(database string) execution.Command
	Close() error
}

// Opener opens a pool for driver/dsn; tests substitute sqlmock
type Opener func(driver, dsn string) (*sql.DB, error)

// Service implements DatabaseService over database/sql
type Service struct {
	cfg          config.DatabaseConfig
	dialect      Dialect
	logger       *logging.Logger
	retryHandler *errors.RetryHandler
	open         Opener

	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewService creates a service for the configured engine
func NewService(cfg config.DatabaseConfig, logger *logging.Logger) (*Service, error) {
	return NewServiceWithOpener(cfg, logger, sql.Open)
}

// NewServiceWithOpener creates a service with a custom pool opener
func NewServiceWithOpener(cfg config.DatabaseConfig, logger *logging.Logger, open Opener) (*Service, error) {
	dialect, err := DialectFor(cfg.Engine)
	if err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeConfiguration, err.Error(), nil)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	retryConfig := errors.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}

	return &Service{
		cfg:          cfg,
		dialect:      dialect,
		logger:       logger,
		retryHandler: errors.NewRetryHandler(retryConfig),
		open:         open,
		pools:        make(map[string]*sql.DB),
	}, nil
}

// SetRetryConfig replaces the connection retry policy
func (s *Service) SetRetryConfig(cfg errors.RetryConfig) {
	s.retryHandler = errors.NewRetryHandler(cfg)
}

// Engine returns "mysql" or "postgres"
func (s *Service) Engine() string {
	return s.dialect.Engine()
}

// Dialect exposes the engine dialect
func (s *Service) Dialect() Dialect {
	return s.dialect
}

// connect returns a pool for database, opening and pinging it with retry on first use
func (s *Service) connect(ctx context.Context, database string) (*sql.DB, error) {
	if database == "" {
		database = s.dialect.MaintenanceDatabase()
	}

	s.mu.Lock()
	if db, ok := s.pools[database]; ok {
		s.mu.Unlock()
		return db, nil
	}
	s.mu.Unlock()

	startTime := time.Now()
	s.logger.WithFields(map[string]interface{}{
		"engine":   s.dialect.Engine(),
		"host":     s.cfg.Host,
		"port":     s.cfg.Port,
		"database": database,
	}).Debug("Attempting database connection")

	var db *sql.DB
	err := s.retryHandler.Retry(ctx, func() error {
		var openErr error
		db, openErr = s.open(s.dialect.Driver(), s.dialect.DSN(s.cfg, database))
		if openErr != nil {
			return errors.WrapError(openErr, "failed to open database connection")
		}

		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		if pingErr := db.PingContext(ctx); pingErr != nil {
			db.Close()
			return errors.WrapError(pingErr, "failed to ping database")
		}
		return nil
	})

	s.logger.LogDatabaseConnection(s.cfg.Host, database, err == nil, time.Since(startTime), err)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pools[database]; ok {
		db.Close()
		return existing, nil
	}
	s.pools[database] = db
	return db, nil
}

// Ping checks that the server is reachable with the configured credentials
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.connect(ctx, "")
	return err
}

// ListDatabases returns user databases, minus system schemas and configured exclude globs
func (s *Service) ListDatabases(ctx context.Context) ([]string, error) {
	db, err := s.connect(ctx, "")
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, s.dialect.ListDatabasesQuery())
	if err != nil {
		return nil, errors.WrapError(err, "failed to list databases")
	}
	defer rows.Close()

	skip := make(map[string]bool)
	for _, name := range s.dialect.SystemDatabases() {
		skip[name] = true
	}

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WrapError(err, "failed to scan database name")
		}
		if skip[name] || excluded(name, s.cfg.Exclude) {
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, "failed to list databases")
	}

	sort.Strings(names)
	s.logger.WithField("databases", names).Debug("Enumerated databases")
	return names, nil
}

func excluded(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// DatabaseExists reports whether name exists on the server
func (s *Service) DatabaseExists(ctx context.Context, name string) (bool, error) {
	db, err := s.connect(ctx, "")
	if err != nil {
		return false, err
	}

	var query string
	switch s.dialect.Engine() {
	case EnginePostgres:
		query = "SELECT COUNT(*) FROM pg_database WHERE datname = $1"
	default:
		query = "SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?"
	}

	var n int
	if err := db.QueryRowContext(ctx, query, name).Scan(&n); err != nil {
		return false, errors.WrapError(err, fmt.Sprintf("failed to look up database %s", name))
	}
	return n > 0, nil
}

// CreateDatabase creates name unless it already exists
func (s *Service) CreateDatabase(ctx context.Context, name string) error {
	exists, err := s.DatabaseExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		s.logger.WithField("database", name).Debug("Database already exists")
		return nil
	}

	db, err := s.connect(ctx, "")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, s.dialect.CreateDatabaseSQL(name)); err != nil {
		return errors.WrapError(err, fmt.Sprintf("failed to create database %s", name))
	}
	s.logger.WithField("database", name).Info("Created database")
	return nil
}

// DropDatabase drops name if present and forgets any pool opened on it
func (s *Service) DropDatabase(ctx context.Context, name string) error {
	s.mu.Lock()
	if pool, ok := s.pools[name]; ok {
		pool.Close()
		delete(s.pools, name)
	}
	s.mu.Unlock()

	db, err := s.connect(ctx, "")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, s.dialect.DropDatabaseSQL(name)); err != nil {
		return errors.WrapError(err, fmt.Sprintf("failed to drop database %s", name))
	}
	s.logger.WithField("database", name).Info("Dropped database")
	return nil
}

// Tables lists the base tables of database
func (s *Service) Tables(ctx context.Context, database string) ([]string, error) {
	db, err := s.connect(ctx, database)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, s.dialect.TablesQuery())
	if err != nil {
		return nil, errors.WrapError(err, fmt.Sprintf("failed to list tables of %s", database))
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, errors.WrapError(err, "failed to scan table name")
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// RowCounts returns the exact row count of every table in database
func (s *Service) RowCounts(ctx context.Context, database string) (map[string]int64, error) {
	tables, err := s.Tables(ctx, database)
	if err != nil {
		return nil, err
	}
	db, err := s.connect(ctx, database)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(tables))
	for _, t := range tables {
		var n int64
		query := "SELECT COUNT(*) FROM " + s.dialect.QuoteTable(t)
		if err := db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, errors.WrapError(err, fmt.Sprintf("failed to count rows of %s.%s", database, t))
		}
		counts[t] = n
	}
	return counts, nil
}

// DumpCommand builds the dump tool invocation for database
func (s *Service) DumpCommand(database string) execution.Command {
	return s.dialect.DumpCommand(s.cfg, database)
}

// RestoreCommand builds the client invocation that replays a dump into database
func (s *Service) RestoreCommand(database string) execution.Command {
	return s.dialect.RestoreCommand(s.cfg, database)
}

// Close closes every pool the service opened
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name, db := range s.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = errors.WrapError(err, "failed to close database connection")
		}
		delete(s.pools, name)
	}
	return firstErr
}
