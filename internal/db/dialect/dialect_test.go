package dialect

import "testing"

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("expected pgx to be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestJSONExtract(t *testing.T) {
	got := JSONExtract(SQLite3, "env", "branch")
	if got != "json_extract(env, '$.branch')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = JSONExtract(PGX, "env", "branch")
	if got != "env::jsonb->>'branch'" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestLike(t *testing.T) {
	if Like(SQLite3) != "LIKE" {
		t.Errorf("sqlite: got %q", Like(SQLite3))
	}
	if Like(PGX) != "ILIKE" {
		t.Errorf("pgx: got %q", Like(PGX))
	}
}
