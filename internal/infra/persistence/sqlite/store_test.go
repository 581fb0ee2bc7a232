package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"cards/pkg/domain"
)

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cards.db")
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	var subjectID string
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		s, err := tx.EnsureNode("/Subjects/p1", domain.NodeTypeSubject)
		if err != nil {
			return err
		}
		subjectID = s.Identifier()
		if _, err := tx.EnsureNode("/Subjects/p2", domain.NodeTypeSubject); err != nil {
			return err
		}
		return tx.SetProperty("/Subjects/p1", domain.PropIdentifier, domain.StringValue("1001"))
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.RemoveNode("/Subjects/p2")
	}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	if reopened.Path() != path {
		t.Fatalf("unexpected path %s", reopened.Path())
	}
	_ = reopened.View(ctx, func(v domain.TransactionView) error {
		p1 := v.Node("/Subjects/p1")
		if id, _ := p1.Property(domain.PropIdentifier); id.String() != "1001" {
			t.Fatalf("expected identifier to survive reopen, got %q", id.String())
		}
		if v.ByIdentifier(subjectID).Path() != "/Subjects/p1" {
			t.Fatalf("expected jcr:uuid index after reopen")
		}
		if v.Node("/Subjects/p2").Exists() {
			t.Fatalf("expected removed subject to stay removed")
		}
		if names := v.Node("/Subjects").ChildNames(); len(names) != 1 || names[0] != "p1" {
			t.Fatalf("expected child list [p1], got %v", names)
		}
		return nil
	})
}

func TestTouchedIncludesParentsOfStructuralChanges(t *testing.T) {
	changes := []domain.Change{
		{Path: "/a/b", Action: domain.ActionCreate},
		{Path: "/c", Action: domain.ActionUpdate},
		{Path: "/d/e", Action: domain.ActionDelete},
	}
	upserts, deletes := touched(changes)
	want := []string{"/a/b", "/a", "/c", "/d"}
	if len(upserts) != len(want) {
		t.Fatalf("expected %v, got %v", want, upserts)
	}
	for i := range want {
		if upserts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, upserts)
		}
	}
	if len(deletes) != 1 || deletes[0] != "/d/e" {
		t.Fatalf("unexpected deletes %v", deletes)
	}
}

func TestSQLiteFailedWriteIsNotPublished(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cards.db")
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.EnsureNode("/Subjects/kept", domain.NodeTypeSubject)
		return err
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.EnsureNode("/Subjects/lost", domain.NodeTypeSubject)
		return err
	}); err == nil {
		t.Fatalf("expected commit on a closed database to fail")
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if v.Node("/Subjects/lost").Exists() {
			t.Fatalf("expected failed commit to stay out of memory")
		}
		return nil
	})

	reopened, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	if _, err := reopened.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.EnsureNode("/Subjects/later", domain.NodeTypeSubject)
		return err
	}); err != nil {
		t.Fatalf("commit after reopen: %v", err)
	}
	_ = reopened.View(ctx, func(v domain.TransactionView) error {
		for _, p := range []string{"/Subjects/kept", "/Subjects/later"} {
			if !v.Node(p).Exists() {
				t.Fatalf("expected %s after reopen", p)
			}
		}
		if v.Node("/Subjects/lost").Exists() {
			t.Fatalf("expected failed commit to be absent after reopen")
		}
		return nil
	})
}
