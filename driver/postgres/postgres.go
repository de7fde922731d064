package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	// registers the "pgx" database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/root-talis/revise/driver"
	"github.com/root-talis/revise/migration"
	"github.com/root-talis/revise/op"
)

const DriverName = "pgx"

type DriverConfig struct {
	// SchemaName holding the migrations table; "public" when empty.
	SchemaName          string
	MigrationsTableName string
}

type postgresDriver struct {
	conn   *sql.DB
	config DriverConfig
	runner driver.Runner
}

func NewDriver(conn *sql.DB, config DriverConfig) driver.Driver {
	if config.SchemaName == "" {
		config.SchemaName = "public"
	}

	return &postgresDriver{
		conn:   conn,
		config: config,
		runner: driver.Runner{
			Conn:            conn,
			Dialect:         Dialect{},
			IsNullViolation: IsNullViolation,
		},
	}
}

func (drv *postgresDriver) ListMigrationsLog(ctx context.Context) ([]migration.Log, error) {
	tableName := drv.makeQuotedMigrationsTableName()

	if err := drv.ensureMigrationsTableExists(ctx, tableName); err != nil {
		return nil, fmt.Errorf("failed to list applied revisions: %w", err)
	}

	rows, err := drv.conn.QueryContext(ctx, fmt.Sprintf(
		"SELECT revision, down_revision, migration_name, direction, start_time FROM %s ORDER BY id",
		tableName,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to list applied revisions: %w", err)
	}
	defer rows.Close()

	result := make([]migration.Log, 0)
	for rows.Next() {
		var log migration.Log
		var downRevision, name sql.NullString
		var direction string

		if err := rows.Scan(&log.Revision, &downRevision, &name, &direction, &log.AppliedAt); err != nil {
			return nil, fmt.Errorf("%w: %s", driver.ErrInvalidLogTable, err)
		}

		log.DownRevision = downRevision.String
		log.Name = name.String

		switch strings.ToLower(direction) {
		case "u":
			log.Direction = migration.Up
		case "d":
			log.Direction = migration.Down
		default:
			return nil, fmt.Errorf("%w: direction \"%s\" is unknown", driver.ErrInvalidLogTable, direction)
		}

		result = append(result, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query migrations log table: %w", err)
	}

	return result, nil
}

func (drv *postgresDriver) Migrate(
	ctx context.Context,
	mig migration.Migration,
	dir migration.Direction,
	script op.Script,
) error {
	tableName := drv.makeQuotedMigrationsTableName()

	if err := drv.ensureMigrationsTableExists(ctx, tableName); err != nil {
		return fmt.Errorf("failed to migrate %s %s: %w", mig, dir, err)
	}

	startTime := time.Now().UTC()

	err := drv.runner.Run(ctx, script, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (revision, down_revision, migration_name, direction, start_time, end_time) "+
				"VALUES ($1, $2, $3, $4, $5, $6)",
			tableName,
		),
			mig.Revision,
			sql.NullString{String: mig.DownRevision, Valid: mig.DownRevision != ""},
			mig.Name,
			string(dir),
			startTime,
			time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to write migrations log: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to migrate %s %s: %w", mig, dir, err)
	}

	return nil
}

func (drv *postgresDriver) Lock(ctx context.Context) (driver.Unlock, error) {
	// advisory locks belong to a session, so the lock gets its own connection
	conn, err := drv.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock connection: %w", err)
	}

	lockID := drv.lockID()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", lockID); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", driver.ErrLockNotAcquired, err)
	}

	return func() error {
		defer conn.Close()

		var released bool
		err := conn.QueryRowContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID).Scan(&released)
		if err != nil {
			return fmt.Errorf("failed to release migrations lock: %w", err)
		}
		if !released {
			return errors.New("failed to release migrations lock: lock was not held")
		}
		return nil
	}, nil
}

func (drv *postgresDriver) lockID() int64 {
	return int64(crc32.ChecksumIEEE([]byte(drv.config.SchemaName + "." + drv.config.MigrationsTableName)))
}

func (drv *postgresDriver) makeQuotedMigrationsTableName() string {
	return quoteIdent(drv.config.SchemaName) + "." + quoteIdent(drv.config.MigrationsTableName)
}

func (drv *postgresDriver) ensureMigrationsTableExists(ctx context.Context, quotedTableName string) error {
	_, err := drv.conn.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"id             serial primary key, "+
			"revision       varchar(64) not null, "+
			"down_revision  varchar(64) null, "+
			"migration_name varchar(255) null, "+
			"direction      char(1) not null, "+ // "u" or "d"
			"start_time     timestamp default CURRENT_TIMESTAMP not null, "+
			"end_time       timestamp null"+
			")",
		quotedTableName,
	))

	if err != nil {
		return fmt.Errorf("failed to create migrations table %s: %w", quotedTableName, err)
	}

	return nil
}

// IsNullViolation reports whether err is PostgreSQL refusing a NULL in a
// NOT NULL column, including SET NOT NULL over rows that still hold NULL.
func IsNullViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.NotNullViolation
}
