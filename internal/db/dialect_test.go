package db

import "testing"

func TestNow(t *testing.T) {
	if got := Now(SQLite3); got != "datetime('now')" {
		t.Errorf("Now(sqlite3) = %q", got)
	}
	if got := Now(PGX); got != "NOW()" {
		t.Errorf("Now(pgx) = %q", got)
	}
}

func TestIsPostgres(t *testing.T) {
	if IsPostgres(SQLite3) {
		t.Error("sqlite3 classified as postgres")
	}
	if !IsPostgres(PGX) {
		t.Error("pgx not classified as postgres")
	}
}

func TestUpsert(t *testing.T) {
	got := Upsert("session_id, path", "content", "updated_at")
	want := "ON CONFLICT(session_id, path) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at"
	if got != want {
		t.Errorf("Upsert = %q, want %q", got, want)
	}
}
