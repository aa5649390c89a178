package migrations

import "embed"

// FS holds one directory of golang-migrate files per dialect:
// postgres, mysql and sqllite3.
//
//go:embed postgres/*.sql mysql/*.sql sqllite3/*.sql
var FS embed.FS
