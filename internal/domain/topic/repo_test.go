package topic

import (
	"context"
	"errors"
	"testing"

	"github.com/ehr/backport/internal/platform/db"
	"github.com/ehr/backport/internal/platform/db/dbtest"
)

func newSQLiteRepo(t *testing.T) Repository {
	t.Helper()
	sqlDB, err := db.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return NewRepoSQLite(sqlDB)
}

func testUpsertAndGet(t *testing.T, repo Repository) {
	ctx := context.Background()

	tp := sampleTopic("enc")
	if err := repo.Upsert(ctx, tp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp.VersionID != 1 {
		t.Errorf("expected version 1, got %d", tp.VersionID)
	}

	tp.Title = "second"
	if err := repo.Upsert(ctx, tp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp.VersionID != 2 {
		t.Errorf("expected version 2, got %d", tp.VersionID)
	}

	got, err := repo.GetByID(ctx, "enc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Title != "second" {
		t.Errorf("expected title second, got %q", got.Title)
	}
	if len(got.ResourceTrigger) != 1 || got.ResourceTrigger[0].ResourceType != "Encounter" {
		t.Errorf("unexpected triggers %+v", got.ResourceTrigger)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func testGetMissing(t *testing.T, repo Repository) {
	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testListAndListByURLs(t *testing.T, repo Repository) {
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := repo.Upsert(ctx, sampleTopic(id)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	items, total, err := repo.List(ctx, 2, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Errorf("expected 2 of 3, got %d of %d", len(items), total)
	}

	byURL, err := repo.ListByURLs(ctx, []string{"http://example.org/topic/a", "http://example.org/topic/c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(byURL) != 2 {
		t.Errorf("expected 2 topics, got %d", len(byURL))
	}

	none, err := repo.ListByURLs(ctx, nil)
	if err != nil || len(none) != 0 {
		t.Errorf("expected no topics for no urls, got %v, %v", none, err)
	}
}

func TestRepositories(t *testing.T) {
	cases := map[string]func(*testing.T, Repository){
		"UpsertAndGet":      testUpsertAndGet,
		"GetMissing":        testGetMissing,
		"ListAndListByURLs": testListAndListByURLs,
	}
	drivers := map[string]func(*testing.T) Repository{
		"sqlite":   newSQLiteRepo,
		"postgres": func(t *testing.T) Repository { return NewRepoPG(dbtest.Pool(t)) },
	}
	for driver, open := range drivers {
		t.Run(driver, func(t *testing.T) {
			for name, fn := range cases {
				t.Run(name, func(t *testing.T) { fn(t, open(t)) })
			}
		})
	}
}
