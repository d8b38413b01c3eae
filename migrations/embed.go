// Package migrations holds the SQL schema applied at startup.
package migrations

import "embed"

// FS contains the ordered .sql migration files
//
//go:embed *.sql
var FS embed.FS
