// Package sqlite persists the content tree to SQLite, one row per node.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cards/internal/infra/persistence/memory"
	"cards/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PersistentStore = (*Store)(nil)

// Store embeds the in-memory store and writes the nodes touched by each
// commit to a single SQLite table as JSON before the commit is published.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the database at path and hydrates the tree.
func NewStore(path string, hooks *domain.CommitHookEngine) (*Store, error) {
	if path == "" {
		path = "cards.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS nodes (
		path TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create nodes table: %w", err)
	}
	s := &Store{Store: memory.NewStore(hooks), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.SetWriter(s.persist)
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT payload FROM nodes`)
	if err != nil {
		return fmt.Errorf("select nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var nodes []*domain.Node
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		var n domain.Node
		if err := json.Unmarshal(payload, &n); err != nil {
			return fmt.Errorf("decode node: %w", err)
		}
		nodes = append(nodes, &n)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate nodes: %w", err)
	}
	if len(nodes) == 0 {
		return nil
	}
	return s.ImportState(nodes)
}

// persist writes the rows touched by a commit before the memory store
// publishes it, so a failed write leaves both copies unchanged.
func (s *Store) persist(ctx context.Context, changes []domain.Change, v domain.TransactionView) (retErr error) {
	upserts, deletes := touched(changes)
	var nodes []*domain.Node
	for _, p := range upserts {
		if n := v.Node(p).Node(); n != nil {
			nodes = append(nodes, n)
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, p := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE path = ?`, p); err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
	}
	for _, n := range nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO nodes(path,payload) VALUES(?,?) ON CONFLICT(path) DO UPDATE SET payload=excluded.payload`, n.Path, data); err != nil {
			return fmt.Errorf("upsert %s: %w", n.Path, err)
		}
	}
	return tx.Commit()
}

// touched returns the paths to rewrite (changed nodes and the parents whose
// child lists changed) and the paths to delete.
func touched(changes []domain.Change) (upserts, deletes []string) {
	seen := map[string]bool{}
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			upserts = append(upserts, p)
		}
	}
	for _, c := range changes {
		switch c.Action {
		case domain.ActionDelete:
			deletes = append(deletes, c.Path)
			add(domain.ParentPath(c.Path))
		case domain.ActionCreate:
			add(c.Path)
			add(domain.ParentPath(c.Path))
		default:
			add(c.Path)
		}
	}
	return upserts, deletes
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying sql.DB for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
