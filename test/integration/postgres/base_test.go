package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/RealZimboGuy/approvalflow/internal/config"
)

var databaseSeq atomic.Int32

// SetupPostgresTestInstance starts a postgres container for the test and
// returns an admin connection plus the server base URL.
func SetupPostgresTestInstance(t *testing.T) (*sql.DB, string) {
	t.Helper()
	ctx := t.Context()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_USER":     "test",
			"POSTGRES_DB":       "testdb",
		},
		// the init server listens briefly before the real one starts
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(2 * time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	base := fmt.Sprintf("postgres://test:test@%s:%s", host, port.Port())
	admin, err := sql.Open("postgres", base+"/testdb?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(func() { _ = admin.Close() })
	require.Eventually(t, func() bool { return admin.PingContext(ctx) == nil }, 30*time.Second, 250*time.Millisecond)
	return admin, base
}

// freshDatabase points the engine settings at a new, empty database.
func freshDatabase(t *testing.T, admin *sql.DB, base string) {
	name := fmt.Sprintf("scenario_%d", databaseSeq.Add(1))
	_, err := admin.ExecContext(t.Context(), "CREATE DATABASE "+name)
	require.NoError(t, err)

	config.Reset()
	t.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_POSTGRES)
	t.Setenv(config.DATABASE_URL, base+"/"+name+"?sslmode=disable")
}
