package versions_test

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/revise/driver/mysql"
	"github.com/root-talis/revise/driver/postgres"
	"github.com/root-talis/revise/migration"
	"github.com/root-talis/revise/op"
	"github.com/root-talis/revise/versions"
)

var makeJobDescriptionNullable = migration.Migration{ //nolint:gochecknoglobals
	Revision:     "b1f2c3d4e5f6",
	DownRevision: "aee8ffda7711",
	Name:         "make_job_description_nullable",
}

func TestMakeJobDescriptionNullableIdentity(t *testing.T) {
	t.Parallel()

	chain, err := versions.Registry.GetAvailableMigrations()
	require.NoError(t, err)

	var found *migration.Description
	for i := range chain {
		if chain[i].Revision == makeJobDescriptionNullable.Revision {
			found = &chain[i]
		}
	}

	require.NotNil(t, found)
	assert.Equal(t, makeJobDescriptionNullable, found.Migration)
	assert.Empty(t, found.BranchLabels)
	assert.Empty(t, found.DependsOn)
	assert.True(t, found.CanUndo)
}

var statementTests = []struct { //nolint:gochecknoglobals
	name      string
	dialect   op.Dialect
	columnSQL string
	upgrade   []string
	downgrade []string
}{
	{
		name:      "mysql",
		dialect:   mysql.Dialect{},
		columnSQL: mysql.Dialect{}.ColumnQuery(),
		upgrade: []string{
			"ALTER TABLE `jobs` MODIFY `job_description` TEXT NULL",
		},
		downgrade: []string{
			"UPDATE jobs SET job_description = '' WHERE job_description IS NULL",
			"ALTER TABLE `jobs` MODIFY `job_description` TEXT NOT NULL",
		},
	},
	{
		name:      "postgres",
		dialect:   postgres.Dialect{},
		columnSQL: postgres.Dialect{}.ColumnQuery(),
		upgrade: []string{
			`ALTER TABLE "jobs" ALTER COLUMN "job_description" DROP NOT NULL`,
		},
		downgrade: []string{
			"UPDATE jobs SET job_description = '' WHERE job_description IS NULL",
			`ALTER TABLE "jobs" ALTER COLUMN "job_description" SET NOT NULL`,
		},
	},
}

func TestMakeJobDescriptionNullableStatements(t *testing.T) {
	t.Parallel()

	for _, test := range statementTests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
			require.NoError(t, err)
			defer db.Close()

			ops := op.New(db, test.dialect)
			ctx := context.Background()

			// upgrade: exactly one structural change after the column check
			mock.ExpectQuery(test.columnSQL).
				WithArgs("jobs", "job_description").
				WillReturnRows(sqlmock.NewRows([]string{"data_type", "character_maximum_length", "is_nullable"}).AddRow("text", nil, "NO"))
			for _, stmt := range test.upgrade {
				mock.ExpectExec(stmt).WillReturnResult(sqlmock.NewResult(0, 0))
			}

			upgrade, err := versions.Registry.ReadMigration(makeJobDescriptionNullable, migration.Up)
			require.NoError(t, err)
			require.NoError(t, upgrade(ctx, ops))
			require.NoError(t, mock.ExpectationsWereMet())

			// downgrade: backfill strictly before the constraint change
			mock.ExpectExec(test.downgrade[0]).WillReturnResult(sqlmock.NewResult(0, 3))
			mock.ExpectQuery(test.columnSQL).
				WithArgs("jobs", "job_description").
				WillReturnRows(sqlmock.NewRows([]string{"data_type", "character_maximum_length", "is_nullable"}).AddRow("text", nil, "YES"))
			mock.ExpectExec(test.downgrade[1]).WillReturnResult(sqlmock.NewResult(0, 0))

			downgrade, err := versions.Registry.ReadMigration(makeJobDescriptionNullable, migration.Down)
			require.NoError(t, err)
			require.NoError(t, downgrade(ctx, ops))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMakeJobDescriptionNullableDowngradeStopsOnFailedBackfill(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE jobs SET job_description = '' WHERE job_description IS NULL").
		WillReturnError(assert.AnError)

	downgrade, err := versions.Registry.ReadMigration(makeJobDescriptionNullable, migration.Down)
	require.NoError(t, err)

	err = downgrade(context.Background(), op.New(db, postgres.Dialect{}))

	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet(), "constraint change must not run after a failed backfill")
}
