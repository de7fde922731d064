// Package dbtest starts throwaway database containers for integration tests.
package dbtest

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	// registers the "mysql" database/sql driver
	_ "github.com/go-sql-driver/mysql"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/root-talis/revise/driver/postgres"
)

// RDBMS versions to test against
var (
	MysqlVersions = []string{ //nolint:gochecknoglobals
		"mysql:8.0",
		"mysql:5.7",
		"mariadb:10.11",
		"mariadb:10.6",
	}
	PostgresVersions = []string{ //nolint:gochecknoglobals
		"postgres:16-alpine",
		"postgres:13-alpine",
	}
)

// MysqlDatabase is the database every MySQL test connection is bound to.
const MysqlDatabase = "revise_test"

// TestFunc receives a connection to a fresh server of the given image.
type TestFunc func(t *testing.T, image string, conn *sql.DB)

func RunForAllMysqlVersions(t *testing.T, baseName string, test TestFunc) {
	t.Helper()

	for _, version := range MysqlVersions {
		version := version
		testName := fmt.Sprintf("%s@%s", baseName, version)
		t.Run(testName, func(t *testing.T) {
			t.Parallel()

			rootPassword := randomPassword()

			env := map[string]string{"MYSQL_ROOT_PASSWORD": rootPassword}
			if strings.HasPrefix(version, "mariadb") {
				env = map[string]string{"MARIADB_ROOT_PASSWORD": rootPassword}
			}

			ctx, container := startContainer(t, testcontainers.ContainerRequest{
				Image:        version,
				ExposedPorts: []string{"3306/tcp"},
				WaitingFor:   wait.ForListeningPort("3306/tcp"),
				Env:          env,
				Cmd: []string{
					"--table_definition_cache=10",
					"--performance_schema=0",
				},
			})

			admin := connect(ctx, t, container, "mysql",
				"root:%s@tcp(%s)/mysql?multiStatements=true", rootPassword)
			Exec(t, admin, "CREATE DATABASE "+MysqlDatabase)

			conn := connect(ctx, t, container, "mysql",
				"root:%s@tcp(%s)/"+MysqlDatabase+"?multiStatements=true", rootPassword)

			test(t, version, conn)
		})
	}
}

func RunForAllPostgresVersions(t *testing.T, baseName string, test TestFunc) {
	t.Helper()

	for _, version := range PostgresVersions {
		version := version
		testName := fmt.Sprintf("%s@%s", baseName, version)
		t.Run(testName, func(t *testing.T) {
			t.Parallel()

			password := randomPassword()

			ctx, container := startContainer(t, testcontainers.ContainerRequest{
				Image:        version,
				ExposedPorts: []string{"5432/tcp"},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2),
				Env: map[string]string{
					"POSTGRES_PASSWORD": password,
				},
			})

			conn := connect(ctx, t, container, postgres.DriverName,
				"postgres://postgres:%s@%s/postgres?sslmode=disable", password)

			test(t, version, conn)
		})
	}
}

func startContainer(t *testing.T, req testcontainers.ContainerRequest) (context.Context, testcontainers.Container) {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate test container: %s", err)
		}
	})

	return ctx, container
}

func connect(
	ctx context.Context,
	t *testing.T,
	container testcontainers.Container,
	driverName string,
	dsnFormat string,
	password string,
) *sql.DB {
	t.Helper()

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	conn, err := sql.Open(driverName, fmt.Sprintf(dsnFormat, password, endpoint))
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Errorf("failed to close connection to test database: %s", err)
		}
	})

	if err := conn.PingContext(ctx); err != nil {
		t.Fatalf("failed to connect to test database: %s", err)
	}

	return conn
}

func randomPassword() string {
	const length = 8
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Errorf("failed to generate a random password: %w", err))
	}
	return fmt.Sprintf("%x", b)[:length]
}

// Exec runs statements and fails the test on the first error.
func Exec(t *testing.T, conn *sql.DB, statements ...string) {
	t.Helper()

	for _, stmt := range statements {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("error when running \"%s\": %s", stmt, err)
		}
	}
}
