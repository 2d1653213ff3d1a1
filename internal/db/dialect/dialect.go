// Package dialect provides the SQL fragment helpers history.Store needs to
// run the same queries against both backends db.Pool can open: SQLite for a
// single-node bped, Postgres for a shared multi-instance deployment.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}
