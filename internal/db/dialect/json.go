package dialect

import "fmt"

// JSONExtract returns the SQL fragment to extract a JSON value, the way
// history.Store.FindByEnvValue filters archived records by a key inside the
// process's captured environment (e.g. a branch or target name).
//
//	SQLite:   json_extract(col, '$.path')
//	Postgres: col::jsonb->>'path'
func JSONExtract(driver, col, path string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb->>'%s'", col, path)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, path)
}
