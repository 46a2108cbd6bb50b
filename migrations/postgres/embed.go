// Package migrations embeds SQL migration files.
package migrations

import "embed"

// FS contains the postgres migrations for the run store.
//
//go:embed *.sql
var FS embed.FS
