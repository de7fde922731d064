package postgres_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/revise/driver"
	"github.com/root-talis/revise/driver/postgres"
	"github.com/root-talis/revise/internal/dbtest"
	"github.com/root-talis/revise/migration"
	"github.com/root-talis/revise/op"
)

func TestListMigrationsLog(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("skipping integration test for driver/postgres")
	}

	dbtest.RunForAllPostgresVersions(t, "ListMigrationsLog", func(t *testing.T, _ string, conn *sql.DB) {
		t.Helper()

		ctx := context.Background()

		t.Run("test s0 - should create the log table in a custom schema", func(t *testing.T) {
			dbtest.Exec(t, conn, "CREATE SCHEMA revise")
			defer dbtest.Exec(t, conn, "DROP SCHEMA revise CASCADE")

			drv := postgres.NewDriver(conn, postgres.DriverConfig{
				SchemaName:          "revise",
				MigrationsTableName: "revision_log",
			})

			log, err := drv.ListMigrationsLog(ctx)
			require.NoError(t, err)
			assert.Empty(t, log)

			dbtest.Exec(t, conn, "SELECT 1 FROM revise.revision_log")
		})

		t.Run("test s1 - should return correct log from database", func(t *testing.T) {
			drv := postgres.NewDriver(conn, postgres.DriverConfig{MigrationsTableName: "revision_log"})
			_, err := drv.ListMigrationsLog(ctx)
			require.NoError(t, err)
			defer dbtest.Exec(t, conn, "DROP TABLE revision_log")

			dbtest.Exec(t, conn,
				"INSERT INTO revision_log (revision, down_revision, migration_name, direction, start_time) "+
					"VALUES ('aee8ffda7711', NULL, 'create_jobs', 'u', '2026-02-01 10:00:00')",
				"INSERT INTO revision_log (revision, down_revision, migration_name, direction, start_time) "+
					"VALUES ('b1f2c3d4e5f6', 'aee8ffda7711', 'make_job_description_nullable', 'u', '2026-02-10 10:02:00')",
			)

			log, err := drv.ListMigrationsLog(ctx)
			require.NoError(t, err)
			assert.Equal(t, []migration.Log{
				{
					Migration: migration.Migration{Revision: "aee8ffda7711", Name: "create_jobs"},
					Direction: migration.Up,
					AppliedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
				},
				{
					Migration: migration.Migration{
						Revision: "b1f2c3d4e5f6", DownRevision: "aee8ffda7711", Name: "make_job_description_nullable",
					},
					Direction: migration.Up,
					AppliedAt: time.Date(2026, 2, 10, 10, 2, 0, 0, time.UTC),
				},
			}, log)
		})

		t.Run("test e0 - should fail if revision_log table has bad structure", func(t *testing.T) {
			dbtest.Exec(t, conn, "CREATE TABLE bad_log (id serial primary key)")
			defer dbtest.Exec(t, conn, "DROP TABLE bad_log")

			drv := postgres.NewDriver(conn, postgres.DriverConfig{MigrationsTableName: "bad_log"})

			_, err := drv.ListMigrationsLog(ctx)
			assert.Error(t, err)
		})
	})
}

func TestMigrateAndLock(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("skipping integration test for driver/postgres")
	}

	dbtest.RunForAllPostgresVersions(t, "Migrate", func(t *testing.T, _ string, conn *sql.DB) {
		t.Helper()

		ctx := context.Background()
		drv := postgres.NewDriver(conn, postgres.DriverConfig{MigrationsTableName: "revision_log"})
		mig := migration.Migration{Revision: "0123456789ab", Name: "create_widgets"}

		unlock, err := drv.Lock(ctx)
		require.NoError(t, err)

		err = drv.Migrate(ctx, mig, migration.Up, func(ctx context.Context, ops *op.Operations) error {
			return ops.Execute(ctx, "CREATE TABLE widgets (name text)")
		})
		require.NoError(t, err)

		dbtest.Exec(t, conn, "INSERT INTO widgets (name) VALUES (NULL)")

		err = drv.Migrate(ctx, mig, migration.Down, func(ctx context.Context, ops *op.Operations) error {
			return ops.Execute(ctx, "DELETE FROM widgets WHERE name = 'none'")
		})
		require.NoError(t, err)

		err = drv.Migrate(ctx, mig, migration.Up, func(ctx context.Context, ops *op.Operations) error {
			return ops.AlterColumn(ctx, "widgets", "name", op.AlterColumnOptions{ExistingType: op.Text})
		})
		assert.ErrorIs(t, err, driver.ErrConstraintViolation)

		require.NoError(t, unlock())

		log, err := drv.ListMigrationsLog(ctx)
		require.NoError(t, err)
		require.Len(t, log, 2)
		assert.Equal(t, migration.Up, log[0].Direction)
		assert.Equal(t, migration.Down, log[1].Direction)
	})
}
