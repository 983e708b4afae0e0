// Package migrations embeds the agent's SQL schema migrations.
package migrations

import "embed"

// FS holds the *.up.sql and *.down.sql files, passed to
// database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
