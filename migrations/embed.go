package migrations

import "embed"

// FS holds the embedded SQL migration files applied by goose at startup.
//
//go:embed *.sql
var FS embed.FS
