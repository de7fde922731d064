package versions_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/root-talis/revise"
	"github.com/root-talis/revise/driver"
	"github.com/root-talis/revise/driver/mysql"
	"github.com/root-talis/revise/driver/postgres"
	"github.com/root-talis/revise/internal/dbtest"
	"github.com/root-talis/revise/migration"
	"github.com/root-talis/revise/op"
	"github.com/root-talis/revise/versions"
)

type engine struct {
	name    string
	run     func(t *testing.T, baseName string, test dbtest.TestFunc)
	driver  func(conn *sql.DB) driver.Driver
	dialect op.Dialect
	// rowVersion selects a value that changes whenever row 1 is rewritten
	rowVersion string
}

var engines = []engine{ //nolint:gochecknoglobals
	{
		name: "mysql",
		run:  dbtest.RunForAllMysqlVersions,
		driver: func(conn *sql.DB) driver.Driver {
			return mysql.NewDriver(conn, mysql.DriverConfig{
				DatabaseName:        dbtest.MysqlDatabase,
				MigrationsTableName: "revision_log",
			})
		},
		dialect: mysql.Dialect{},
	},
	{
		name: "postgres",
		run:  dbtest.RunForAllPostgresVersions,
		driver: func(conn *sql.DB) driver.Driver {
			return postgres.NewDriver(conn, postgres.DriverConfig{MigrationsTableName: "revision_log"})
		},
		dialect:    postgres.Dialect{},
		rowVersion: "SELECT xmin::text FROM jobs WHERE id = 1",
	},
}

// schema at revision aee8ffda7711
const (
	createJobs = "CREATE TABLE jobs (id int primary key, job_description TEXT NOT NULL)"
	seedJobs   = "INSERT INTO jobs (id, job_description) VALUES (1, 'nightly build'), (2, '')"
	dropJobs   = "DROP TABLE IF EXISTS jobs"
	dropLog    = "DROP TABLE IF EXISTS revision_log"
)

type job struct {
	ID          int
	Description sql.NullString
}

func loadJobs(t *testing.T, conn *sql.DB) []job {
	t.Helper()

	rows, err := conn.Query("SELECT id, job_description FROM jobs ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()

	result := make([]job, 0)
	for rows.Next() {
		var j job
		require.NoError(t, rows.Scan(&j.ID, &j.Description))
		result = append(result, j)
	}
	require.NoError(t, rows.Err())

	return result
}

func described(id int, description string) job {
	return job{ID: id, Description: sql.NullString{String: description, Valid: true}}
}

func column(t *testing.T, conn *sql.DB, dialect op.Dialect) op.ColumnInfo {
	t.Helper()

	info, err := op.New(conn, dialect).Column(context.Background(), "jobs", "job_description")
	require.NoError(t, err)

	return info
}

// nullInjector inserts a job without description right after the backfill,
// imitating a concurrent writer.
type nullInjector struct {
	op.Executor
	injected bool
}

func (e *nullInjector) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	res, err := e.Executor.ExecContext(ctx, query, args...)
	if err == nil && !e.injected && query == "UPDATE jobs SET job_description = '' WHERE job_description IS NULL" {
		e.injected = true
		if _, err := e.Executor.ExecContext(ctx, "INSERT INTO jobs (id, job_description) VALUES (99, NULL)"); err != nil {
			return nil, err
		}
	}
	return res, err
}

func TestMakeJobDescriptionNullable(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("skipping integration test for versions")
	}

	for _, eng := range engines {
		eng := eng

		eng.run(t, "MakeJobDescriptionNullable", func(t *testing.T, _ string, conn *sql.DB) {
			t.Helper()

			ctx := context.Background()

			setup := func(t *testing.T, statements ...string) revise.Revise {
				t.Helper()

				dbtest.Exec(t, conn, statements...)
				t.Cleanup(func() { dbtest.Exec(t, conn, dropJobs, dropLog) })

				return revise.New(versions.Registry, eng.driver(conn), revise.WithLogger(zaptest.NewLogger(t)))
			}

			t.Run("test s0 - should round-trip clean data", func(t *testing.T) {
				migrator := setup(t, createJobs, seedJobs)
				before := loadJobs(t, conn)

				require.NoError(t, migrator.Upgrade(ctx, migration.Head))

				info := column(t, conn, eng.dialect)
				assert.True(t, info.Nullable)
				assert.Equal(t, "text", info.Type)
				assert.Equal(t, before, loadJobs(t, conn))

				current, err := migrator.Current(ctx)
				require.NoError(t, err)
				assert.Equal(t, "b1f2c3d4e5f6", current)

				require.NoError(t, migrator.Downgrade(ctx, "aee8ffda7711"))

				info = column(t, conn, eng.dialect)
				assert.False(t, info.Nullable)
				assert.Equal(t, "text", info.Type)
				assert.Equal(t, before, loadJobs(t, conn))

				current, err = migrator.Current(ctx)
				require.NoError(t, err)
				assert.Equal(t, "aee8ffda7711", current)
			})

			t.Run("test s1 - should accept nulls after upgrade", func(t *testing.T) {
				migrator := setup(t, createJobs, seedJobs)

				require.NoError(t, migrator.Upgrade(ctx, migration.Head))
				dbtest.Exec(t, conn, "INSERT INTO jobs (id, job_description) VALUES (3, NULL)")

				assert.Equal(t, []job{
					described(1, "nightly build"),
					described(2, ""),
					{ID: 3},
				}, loadJobs(t, conn))
			})

			t.Run("test s2 - should backfill nulls on downgrade", func(t *testing.T) {
				migrator := setup(t, createJobs, seedJobs)

				require.NoError(t, migrator.Upgrade(ctx, migration.Head))
				dbtest.Exec(t, conn, "INSERT INTO jobs (id, job_description) VALUES (3, NULL), (4, NULL)")

				var rowVersion string
				if eng.rowVersion != "" {
					require.NoError(t, conn.QueryRow(eng.rowVersion).Scan(&rowVersion))
				}

				require.NoError(t, migrator.Downgrade(ctx, migration.Base))

				assert.Equal(t, []job{
					described(1, "nightly build"),
					described(2, ""),
					described(3, ""),
					described(4, ""),
				}, loadJobs(t, conn))
				assert.False(t, column(t, conn, eng.dialect).Nullable)

				if eng.rowVersion != "" {
					var after string
					require.NoError(t, conn.QueryRow(eng.rowVersion).Scan(&after))
					assert.Equal(t, rowVersion, after, "rows with a description must not be rewritten")
				}
			})

			t.Run("test e0 - should refuse NOT NULL when a null slips in after the backfill", func(t *testing.T) {
				migrator := setup(t, createJobs, seedJobs)
				require.NoError(t, migrator.Upgrade(ctx, migration.Head))

				downgrade, err := versions.Registry.ReadMigration(makeJobDescriptionNullable, migration.Down)
				require.NoError(t, err)

				tx, err := conn.BeginTx(ctx, nil)
				require.NoError(t, err)
				defer func() { _ = tx.Rollback() }()

				injector := &nullInjector{Executor: tx}
				err = downgrade(ctx, op.New(injector, eng.dialect))

				assert.True(t, injector.injected)
				assert.Error(t, err)
				if eng.name == "postgres" {
					assert.True(t, postgres.IsNullViolation(err))
				}

				require.NoError(t, tx.Rollback())
				assert.True(t, column(t, conn, eng.dialect).Nullable)
			})

			t.Run("test e1 - should refuse a column of another type", func(t *testing.T) {
				migrator := setup(t, "CREATE TABLE jobs (id int primary key, job_description varchar(255) NOT NULL)")

				err := migrator.Upgrade(ctx, migration.Head)
				assert.ErrorIs(t, err, op.ErrSchemaMismatch)

				current, err := migrator.Current(ctx)
				require.NoError(t, err)
				assert.Equal(t, "aee8ffda7711", current)
			})

			t.Run("test e2 - should refuse a missing table", func(t *testing.T) {
				migrator := setup(t)

				err := migrator.Upgrade(ctx, migration.Head)
				assert.ErrorIs(t, err, op.ErrSchemaMismatch)
			})
		})
	}
}
