// Package database provides SQLite connectivity for sensemap-core.
//
// This package manages:
//   - Database connection with WAL mode for concurrent reads
//   - Startup connection retry with exponential backoff
//   - Embedded schema migrations
//   - Connection lifecycle and health checks
//
// All queries use parameterised statements.
//
// Usage:
//
//	db, err := database.OpenWithRetry(ctx, database.Config{
//	    Path:        cfg.Database.Path,
//	    WALMode:     cfg.Database.WALMode,
//	    BusyTimeout: cfg.Database.BusyTimeout,
//	}, database.RetryConfig{Attempts: cfg.Database.ConnectAttempts})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive. Each file pair is named
// YYYYMMDD_HHMMSS_description.up.sql / .down.sql.
package database
