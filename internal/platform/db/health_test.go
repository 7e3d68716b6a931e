package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakeChecker struct{ err error }

func (f fakeChecker) Driver() string                 { return "fake" }
func (f fakeChecker) Ping(ctx context.Context) error { return f.err }
func (f fakeChecker) Stats() interface{}             { return map[string]int{"conns": 3} }

func TestHealthHandler_Unhealthy(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

	if err := HealthHandler(fakeChecker{err: errors.New("connection refused")})(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "unhealthy" || body["driver"] != "fake" || body["error"] != "connection refused" {
		t.Errorf("unexpected body %v", body)
	}
	if stats, ok := body["stats"].(map[string]interface{}); !ok || stats["conns"] != float64(3) {
		t.Errorf("unexpected stats %v", body["stats"])
	}
}

func TestOpenSQLite_AppliesSchema(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "nested", "backport.db"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"subscription_topic", "subscription", "poll_record", "resource_marker"} {
		var name string
		err := sqlDB.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %s: %v", table, err)
		}
	}
}

func TestOpenSQLite_SchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "backport.db")
	first, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first.Close()

	second, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	second.Close()
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	if _, err := OpenSQLite(context.Background(), "  "); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestHealthHandler_SQLite(t *testing.T) {
	sqlDB, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sqlDB.Close()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(SQLiteChecker(sqlDB))(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "healthy" || body["driver"] != "sqlite" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestHealthHandler_SQLiteClosed(t *testing.T) {
	sqlDB, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sqlDB.Close()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := HealthHandler(SQLiteChecker(sqlDB))(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}
