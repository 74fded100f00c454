// Package database provides the SQLite store for FleetLink Core.
//
// SQLite holds the durable side of the fleet: known device records (so the
// registry survives a restart), alert history, and automation rules created
// through the API. Telemetry time series go to InfluxDB instead.
//
// The dispatch loop never touches the database. Writes arrive through the
// fan-out workers and reads come from API handlers and startup restore.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or carry a default,
// and every .up.sql has a matching .down.sql.
package database
