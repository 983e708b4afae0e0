// Package database opens the agent's local SQLite file and applies its
// schema migrations.
//
// The file holds only agent-side records (the session audit trail). It is
// opened with a single connection, WAL journaling when configured and a
// busy timeout so concurrent readers never see "database is locked".
//
// Usage:
//
//	db, err := database.Open(database.FromConfig(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Each migration runs in its own transaction.
package database
