package database

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"server-dr/internal/config"
	"server-dr/internal/execution"
)

const (
	EngineMySQL    = "mysql"
	EnginePostgres = "postgres"
)

// Dialect captures everything that differs between the supported engines
type Dialect interface {
	Engine() string
	Driver() string
	DSN(cfg config.DatabaseConfig, database string) string
	// MaintenanceDatabase is connected to for server-level statements
	MaintenanceDatabase() string
	ListDatabasesQuery() string
	SystemDatabases() []string
	TablesQuery() string
	QuoteIdent(name string) string
	QuoteTable(table string) string
	CreateDatabaseSQL(name string) string
	DropDatabaseSQL(name string) string
	DumpCommand(cfg config.DatabaseConfig, database string) execution.Command
	RestoreCommand(cfg config.DatabaseConfig, database string) execution.Command
}

// DialectFor returns the dialect for the configured engine
func DialectFor(engine string) (Dialect, error) {
	switch strings.ToLower(engine) {
	case EngineMySQL, "mariadb":
		return mysqlDialect{}, nil
	case EnginePostgres, "postgresql":
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database engine: %s", engine)
	}
}

func connectTimeout(cfg config.DatabaseConfig) time.Duration {
	// cfg.Timeout bounds whole dumps; connection attempts get a shorter slice of it
	if cfg.Timeout > 0 && cfg.Timeout < 30*time.Second {
		return cfg.Timeout
	}
	return 30 * time.Second
}

type mysqlDialect struct{}

func (mysqlDialect) Engine() string { return EngineMySQL }
func (mysqlDialect) Driver() string { return "mysql" }

func (mysqlDialect) DSN(cfg config.DatabaseConfig, database string) string {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = database
	mc.Timeout = connectTimeout(cfg)
	mc.ParseTime = true
	return mc.FormatDSN()
}

func (mysqlDialect) MaintenanceDatabase() string { return "" }

func (mysqlDialect) ListDatabasesQuery() string { return "SHOW DATABASES" }

func (mysqlDialect) SystemDatabases() []string {
	return []string{"information_schema", "mysql", "performance_schema", "sys"}
}

func (mysqlDialect) TablesQuery() string {
	return "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name"
}

func (mysqlDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d mysqlDialect) QuoteTable(table string) string {
	return d.QuoteIdent(table)
}

func (d mysqlDialect) CreateDatabaseSQL(name string) string {
	return "CREATE DATABASE IF NOT EXISTS " + d.QuoteIdent(name)
}

func (d mysqlDialect) DropDatabaseSQL(name string) string {
	return "DROP DATABASE IF EXISTS " + d.QuoteIdent(name)
}

func (mysqlDialect) DumpCommand(cfg config.DatabaseConfig, database string) execution.Command {
	return execution.Command{
		Name: cfg.DumpCommand,
		Args: []string{
			"--host", cfg.Host,
			"--port", strconv.Itoa(cfg.Port),
			"--user", cfg.Username,
			"--single-transaction",
			"--routines",
			"--triggers",
			"--events",
			"--add-drop-table",
			database,
		},
		Env: passwordEnv("MYSQL_PWD", cfg.Password),
	}
}

func (mysqlDialect) RestoreCommand(cfg config.DatabaseConfig, database string) execution.Command {
	return execution.Command{
		Name: cfg.RestoreCommand,
		Args: []string{
			"--host", cfg.Host,
			"--port", strconv.Itoa(cfg.Port),
			"--user", cfg.Username,
			database,
		},
		Env: passwordEnv("MYSQL_PWD", cfg.Password),
	}
}

type postgresDialect struct{}

func (postgresDialect) Engine() string { return EnginePostgres }
func (postgresDialect) Driver() string { return "pgx" }

func (postgresDialect) DSN(cfg config.DatabaseConfig, database string) string {
	if database == "" {
		database = "postgres"
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + database,
	}
	q := url.Values{}
	q.Set("connect_timeout", strconv.Itoa(int(connectTimeout(cfg).Seconds())))
	q.Set("application_name", "server-dr")
	u.RawQuery = q.Encode()
	return u.String()
}

func (postgresDialect) MaintenanceDatabase() string { return "postgres" }

func (postgresDialect) ListDatabasesQuery() string {
	return "SELECT datname FROM pg_database WHERE NOT datistemplate ORDER BY datname"
}

func (postgresDialect) SystemDatabases() []string { return nil }

func (postgresDialect) TablesQuery() string {
	return "SELECT schemaname || '.' || tablename FROM pg_catalog.pg_tables " +
		"WHERE schemaname NOT IN ('pg_catalog', 'information_schema') ORDER BY 1"
}

func (postgresDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d postgresDialect) QuoteTable(table string) string {
	schema, name, ok := strings.Cut(table, ".")
	if !ok {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(name)
}

// PostgreSQL has no CREATE DATABASE IF NOT EXISTS; Service checks pg_database first
func (d postgresDialect) CreateDatabaseSQL(name string) string {
	return "CREATE DATABASE " + d.QuoteIdent(name)
}

func (d postgresDialect) DropDatabaseSQL(name string) string {
	return "DROP DATABASE IF EXISTS " + d.QuoteIdent(name) + " WITH (FORCE)"
}

func (postgresDialect) DumpCommand(cfg config.DatabaseConfig, database string) execution.Command {
	return execution.Command{
		Name: cfg.DumpCommand,
		Args: []string{
			"--host", cfg.Host,
			"--port", strconv.Itoa(cfg.Port),
			"--username", cfg.Username,
			"--no-password",
			"--clean",
			"--if-exists",
			"--no-owner",
			"--format", "plain",
			database,
		},
		Env: passwordEnv("PGPASSWORD", cfg.Password),
	}
}

func (postgresDialect) RestoreCommand(cfg config.DatabaseConfig, database string) execution.Command {
	return execution.Command{
		Name: cfg.RestoreCommand,
		Args: []string{
			"--host", cfg.Host,
			"--port", strconv.Itoa(cfg.Port),
			"--username", cfg.Username,
			"--no-password",
			"--quiet",
			"--set", "ON_ERROR_STOP=1",
			"--dbname", database,
		},
		Env: passwordEnv("PGPASSWORD", cfg.Password),
	}
}

func passwordEnv(name, password string) []string {
	if password == "" {
		return nil
	}
	return []string{name + "=" + password}
}
