// Package revisecmd implements the revise command line.
package revisecmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	mysqldrv "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/root-talis/revise"
	"github.com/root-talis/revise/driver"
	"github.com/root-talis/revise/driver/mysql"
	"github.com/root-talis/revise/driver/postgres"
	"github.com/root-talis/revise/source"
	"github.com/root-talis/revise/source/files"
	"github.com/root-talis/revise/versions"
)

type Command struct {
	Dialect         string        `long:"dialect" env:"REVISE_DIALECT" default:"postgres" choice:"postgres" choice:"mysql" description:"Database engine."`
	DSN             string        `long:"dsn" env:"REVISE_DSN" required:"true" description:"Data source name. MySQL DSNs need multiStatements=true for SQL file revisions."`
	LogTable        string        `long:"log-table" env:"REVISE_LOG_TABLE" default:"revision_log" description:"Table recording applied revisions."`
	Database        string        `long:"database" env:"REVISE_DATABASE" description:"MySQL database holding the log table. Defaults to the database of the DSN."`
	Schema          string        `long:"schema" env:"REVISE_SCHEMA" default:"public" description:"PostgreSQL schema holding the log table."`
	LockTimeout     time.Duration `long:"lock-timeout" env:"REVISE_LOCK_TIMEOUT" default:"1m" description:"MySQL only: how long to wait for the migrations lock."`
	SQLDir          string        `long:"sql-dir" env:"REVISE_SQL_DIR" description:"Read revisions from SQL files in this directory instead of the built-in ones."`
	LogLevel        string        `long:"log-level" env:"REVISE_LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Minimum log level."`
	ConnectAttempts uint          `long:"connect-attempts" env:"REVISE_CONNECT_ATTEMPTS" default:"5" description:"Attempts to reach the database before giving up."`

	Status    StatusCommand    `command:"status" description:"Show every revision and whether it is applied."`
	Current   CurrentCommand   `command:"current" description:"Print the revision the database is at."`
	Upgrade   UpgradeCommand   `command:"upgrade" description:"Apply pending revisions."`
	Downgrade DowngradeCommand `command:"downgrade" description:"Revert applied revisions."`
}

var ErrNoDatabase = errors.New("mysql needs a database for the log table: set --database or name one in the DSN")

// New returns a Command whose subcommands share its global options.
func New() *Command {
	cmd := &Command{}
	cmd.Status.root = cmd
	cmd.Current.root = cmd
	cmd.Upgrade.root = cmd
	cmd.Downgrade.root = cmd
	return cmd
}

// env bundles what every subcommand needs.
type env struct {
	ctx     context.Context
	logger  *zap.Logger
	migrate revise.Revise
}

func (cmd *Command) run(fn func(env) error) error {
	logger, err := cmd.newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := cmd.source()
	if err != nil {
		return err
	}

	database, err := cmd.mysqlDatabase()
	if err != nil {
		return err
	}

	conn, err := cmd.connect(ctx, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	return fn(env{
		ctx:     ctx,
		logger:  logger,
		migrate: revise.New(src, cmd.driver(conn, database), revise.WithLogger(logger)),
	})
}

func (cmd *Command) newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cmd.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)

	return config.Build()
}

func (cmd *Command) connect(ctx context.Context, logger *zap.Logger) (*sql.DB, error) {
	driverName := mysql.DriverName
	if cmd.Dialect == "postgres" {
		driverName = postgres.DriverName
	}

	conn, err := sql.Open(driverName, cmd.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := conn.PingContext(ctx); err != nil {
			logger.Warn("database is not reachable yet", zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(cmd.ConnectAttempts),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return conn, nil
}

func (cmd *Command) source() (source.Source, error) {
	if cmd.SQLDir == "" {
		return versions.Registry, nil
	}

	return files.NewSource(os.DirFS(cmd.SQLDir), ".")
}

// mysqlDatabase returns the database holding the MySQL log table: --database
// if given, the database named in the DSN otherwise.
func (cmd *Command) mysqlDatabase() (string, error) {
	if cmd.Dialect != "mysql" || cmd.Database != "" {
		return cmd.Database, nil
	}

	config, err := mysqldrv.ParseDSN(cmd.DSN)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	if config.DBName == "" {
		return "", ErrNoDatabase
	}

	return config.DBName, nil
}

func (cmd *Command) driver(conn *sql.DB, database string) driver.Driver {
	if cmd.Dialect == "mysql" {
		return mysql.NewDriver(conn, mysql.DriverConfig{
			DatabaseName:        database,
			MigrationsTableName: cmd.LogTable,
			LockTimeout:         cmd.LockTimeout,
		})
	}

	return postgres.NewDriver(conn, postgres.DriverConfig{
		SchemaName:          cmd.Schema,
		MigrationsTableName: cmd.LogTable,
	})
}
