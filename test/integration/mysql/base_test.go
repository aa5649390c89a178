package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/RealZimboGuy/approvalflow/internal/config"
)

var databaseSeq atomic.Int32

// SetupMySQLTestInstance starts a MySQL container and returns a root
// connection plus the tcp address of the server.
func SetupMySQLTestInstance(t *testing.T) (*sql.DB, string) {
	t.Helper()
	ctx := t.Context()

	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.1",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "test",
			"MYSQL_DATABASE":      "testdb",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(3 * time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start MySQL container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306")
	require.NoError(t, err)

	addr := fmt.Sprintf("tcp(%s:%s)", host, port.Port())
	admin, err := sql.Open("mysql", "root:test@"+addr+"/testdb?parseTime=true")
	require.NoError(t, err)
	t.Cleanup(func() { _ = admin.Close() })
	require.Eventually(t, func() bool { return admin.PingContext(ctx) == nil }, time.Minute, 500*time.Millisecond)
	return admin, addr
}

// freshDatabase points the engine settings at a new, empty schema.
func freshDatabase(t *testing.T, admin *sql.DB, addr string) {
	name := fmt.Sprintf("scenario_%d", databaseSeq.Add(1))
	_, err := admin.ExecContext(t.Context(), "CREATE DATABASE "+name)
	require.NoError(t, err)

	config.Reset()
	t.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_MYSQL)
	t.Setenv(config.DATABASE_URL, "mysql://root:test@"+addr+"/"+name+"?parseTime=true")
}
