package sqllite

import (
	"path/filepath"
	"testing"

	"github.com/RealZimboGuy/approvalflow/internal/config"
)

// SetupSqlLiteTestInstance points the engine settings at a database file
// that lives as long as the test.
func SetupSqlLiteTestInstance(t *testing.T) {
	config.Reset()
	t.Setenv(config.DATABASE_TYPE, config.DATABASE_TYPE_SQLLITE)
	t.Setenv(config.DATABASE_SQLLITE_FILE_NAME, filepath.Join(t.TempDir(), "approvalflow-test.db"))
}
