package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/root-talis/revise/driver"
	"github.com/root-talis/revise/migration"
	"github.com/root-talis/revise/op"
)

// DriverName is the database/sql driver registered by go-sql-driver/mysql.
const DriverName = "mysql"

const (
	errBadNull          = 1048 // ER_BAD_NULL_ERROR
	errInvalidUseOfNull = 1138 // ER_INVALID_USE_OF_NULL

	defaultLockTimeout = 60 * time.Second

	// Without strict mode MODIFY ... NOT NULL turns NULLs into the implicit
	// default instead of failing.
	strictSession = "SET SESSION sql_mode = CONCAT_WS(',', NULLIF(@@SESSION.sql_mode, ''), 'STRICT_TRANS_TABLES')"
)

type DriverConfig struct {
	DatabaseName        string
	MigrationsTableName string
	// LockTimeout bounds the wait for GET_LOCK. Zero means one minute.
	// Fractions of a second are kept.
	LockTimeout time.Duration
}

type mysqlDriver struct {
	conn   *sql.DB
	config DriverConfig
	runner driver.Runner
}

func NewDriver(conn *sql.DB, config DriverConfig) driver.Driver {
	return &mysqlDriver{
		conn:   conn,
		config: config,
		runner: driver.Runner{
			Conn:            conn,
			Dialect:         Dialect{},
			IsNullViolation: IsNullViolation,
			Session:         []string{strictSession},
		},
	}
}

func (drv *mysqlDriver) ListMigrationsLog(ctx context.Context) ([]migration.Log, error) {
	tableName := drv.makeEscapedMigrationsTableName()

	if err := drv.ensureMigrationsTableExists(ctx, tableName); err != nil {
		return nil, fmt.Errorf("failed to list applied revisions: %w", err)
	}

	rows, err := drv.query(ctx, fmt.Sprintf(
		"SELECT revision, down_revision, migration_name, direction, start_time FROM %s ORDER BY id",
		tableName,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to list applied revisions: %w", err)
	}
	defer rows.Close()

	return drv.fetchMigrationsLog(rows)
}

func (drv *mysqlDriver) fetchMigrationsLog(rows *sql.Rows) ([]migration.Log, error) {
	result := make([]migration.Log, 0)
	for rows.Next() {
		var log migration.Log
		var downRevision, name sql.NullString
		var appliedAt string
		var direction string

		err := rows.Scan(
			&log.Revision,
			&downRevision,
			&name,
			&direction,
			&appliedAt,
		)
		if err != nil {
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

		log.AppliedAt = parseTimestamp(appliedAt)

		result = append(result, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query migrations log table: %w", err)
	}

	return result, nil
}

// parseTimestamp accepts DATETIME values as returned with and without
// parseTime=true in the DSN.
func parseTimestamp(value string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (drv *mysqlDriver) Migrate(
	ctx context.Context,
	mig migration.Migration,
	dir migration.Direction,
	script op.Script,
) error {
	tableName := drv.makeEscapedMigrationsTableName()

	if err := drv.ensureMigrationsTableExists(ctx, tableName); err != nil {
		return fmt.Errorf("failed to migrate %s %s: %w", mig, dir, err)
	}

	startTime := time.Now().UTC()

	err := drv.runner.Run(ctx, script, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (revision, down_revision, migration_name, direction, start_time, end_time) "+
				"VALUES (?, ?, ?, ?, ?, ?)",
			tableName,
		),
			mig.Revision,
			nullString(mig.DownRevision),
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

func (drv *mysqlDriver) Lock(ctx context.Context) (driver.Unlock, error) {
	// GET_LOCK is held by a session, so the lock gets its own connection.
	conn, err := drv.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock connection: %w", err)
	}

	timeout := drv.config.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}

	lockName := drv.lockName()

	var acquired sql.NullInt64
	err = conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", lockName, timeout.Seconds()).Scan(&acquired)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", driver.ErrLockNotAcquired, err)
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: timed out waiting for \"%s\"", driver.ErrLockNotAcquired, lockName)
	}

	return func() error {
		defer conn.Close()

		if _, err := conn.ExecContext(context.Background(), "SELECT RELEASE_LOCK(?)", lockName); err != nil {
			return fmt.Errorf("failed to release migrations lock: %w", err)
		}
		return nil
	}, nil
}

func (drv *mysqlDriver) lockName() string {
	// MySQL limits user lock names to 64 characters.
	name := "revise:" + drv.config.DatabaseName + "." + drv.config.MigrationsTableName
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func (drv *mysqlDriver) query(ctx context.Context, query string) (*sql.Rows, error) {
	rows, err := drv.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to execute a query: %w", err)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to execute a query: %w", err)
	}
	return rows, nil
}

func (drv *mysqlDriver) makeEscapedMigrationsTableName() string {
	return fmt.Sprintf(
		"`%s`.`%s`",
		escapeMysqlString(drv.config.DatabaseName),
		escapeMysqlString(drv.config.MigrationsTableName),
	)
}

func (drv *mysqlDriver) ensureMigrationsTableExists(ctx context.Context, escapedTableName string) error {
	_, err := drv.conn.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s ("+
			"id             int not null auto_increment, "+
			"revision       varchar(64) not null, "+
			"down_revision  varchar(64) null, "+
			"migration_name varchar(255) null, "+
			"direction      char(1) not null, "+ // "u" or "d"
			"start_time     datetime default CURRENT_TIMESTAMP not null, "+
			"end_time       datetime null, "+
			"primary key (id)"+
			") default charset utf8mb4",
		escapedTableName,
	))

	if err != nil {
		return fmt.Errorf("failed to create migrations table %s: %w", escapedTableName, err)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// IsNullViolation reports whether err is MySQL refusing a NULL in a NOT NULL column.
func IsNullViolation(err error) bool {
	var myErr *mysqldrv.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == errBadNull || myErr.Number == errInvalidUseOfNull
}

// originally from https://gist.github.com/siddontang/8875771
func escapeMysqlString(sql string) string { //nolint:cyclop
	const prealloc = 2
	dest := make([]rune, 0, prealloc*len(sql))

	for _, character := range sql {
		var escape rune

		switch character {
		case 0:
			escape = '0'
		case '\n':
			escape = 'n'
		case '\r':
			escape = 'r'
		case '\\':
			escape = '\\'
		case '\'':
			escape = '\''
		case '"':
			escape = '"'
		case '`':
			escape = '`'
		case '\032':
			escape = 'Z'
		}

		if escape != 0 {
			dest = append(dest, '\\', escape)
		} else {
			dest = append(dest, character)
		}
	}

	return string(dest)
}
