package db

import "fmt"

// Driver names as reported by sqlx.DB.DriverName().
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver is PostgreSQL.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Now returns the SQL expression for the current timestamp.
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// Upsert returns the conflict clause for an insert-or-replace on the given
// key column, updating the listed columns from the excluded row.
func Upsert(keyCol string, updateCols ...string) string {
	clause := fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET ", keyCol)
	for i, col := range updateCols {
		if i > 0 {
			clause += ", "
		}
		clause += fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return clause
}
