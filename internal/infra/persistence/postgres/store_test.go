package postgres

import (
	"database/sql"
	"errors"
	"testing"

	"cards/pkg/domain"
)

func TestNewStoreDefaultsDSNAndSurfacesOpenErrors(t *testing.T) {
	orig := sqlOpen
	t.Cleanup(func() { sqlOpen = orig })
	var gotDriver, gotDSN string
	sqlOpen = func(driver, dsn string) (*sql.DB, error) {
		gotDriver, gotDSN = driver, dsn
		return nil, errors.New("unreachable")
	}
	if _, err := NewStore("", nil); err == nil {
		t.Fatalf("expected open error")
	}
	if gotDriver != "pgx" {
		t.Fatalf("expected pgx driver, got %q", gotDriver)
	}
	if gotDSN != defaultDSN {
		t.Fatalf("expected default dsn, got %q", gotDSN)
	}
}

func TestTouchedRewritesParentsOnce(t *testing.T) {
	upserts, deletes := touched([]domain.Change{
		{Path: "/Forms/f1", Action: domain.ActionCreate},
		{Path: "/Forms/f1/s1", Action: domain.ActionCreate},
		{Path: "/Forms/f0", Action: domain.ActionDelete},
	})
	want := []string{"/Forms/f1", "/Forms", "/Forms/f1/s1"}
	if len(upserts) != len(want) {
		t.Fatalf("expected %v, got %v", want, upserts)
	}
	for i := range want {
		if upserts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, upserts)
		}
	}
	if len(deletes) != 1 || deletes[0] != "/Forms/f0" {
		t.Fatalf("unexpected deletes %v", deletes)
	}
}
