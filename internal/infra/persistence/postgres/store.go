// Package postgres provides a Postgres-backed persistent store that mirrors the
// in-memory semantics, storing one JSONB row per content node.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"cards/internal/infra/persistence/memory"
	"cards/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/cards?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists committed nodes to Postgres while reusing the in-memory
// implementation for transactions, editors and queries.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN), ensures the nodes table exists and hydrates the tree.
func NewStore(dsn string, hooks *domain.CommitHookEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureNodesTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	nodes, err := loadNodes(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(hooks)
	if len(nodes) > 0 {
		if err := mem.ImportState(nodes); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s := &Store{Store: mem, db: db}
	mem.SetWriter(s.persist)
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func ensureNodesTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS nodes (
		path TEXT PRIMARY KEY,
		node_type TEXT NOT NULL,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure nodes table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS nodes_type_idx ON nodes (node_type)`); err != nil {
		return fmt.Errorf("ensure nodes index: %w", err)
	}
	return nil
}

func loadNodes(ctx context.Context, db *sql.DB) ([]*domain.Node, error) {
	rows, err := db.QueryContext(ctx, `SELECT payload FROM nodes`)
	if err != nil {
		return nil, fmt.Errorf("select nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var nodes []*domain.Node
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		var n domain.Node
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil, fmt.Errorf("decode node: %w", err)
		}
		nodes = append(nodes, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return nodes, nil
}

// persist writes the rows touched by a commit before the memory store
// publishes it, so a failed write leaves both copies unchanged.
func (s *Store) persist(ctx context.Context, changes []domain.Change, v domain.TransactionView) error {
	order, deletes := touched(changes)
	var nodes []*domain.Node
	for _, p := range order {
		if n := v.Node(p).Node(); n != nil {
			nodes = append(nodes, n)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, p := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE path = $1`, p); err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
	}
	for _, n := range nodes {
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("encode %s: %w", n.Path, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO nodes (path, node_type, payload) VALUES ($1, $2, $3)
			ON CONFLICT (path) DO UPDATE SET node_type = EXCLUDED.node_type, payload = EXCLUDED.payload`, n.Path, n.PrimaryType, data); err != nil {
			return fmt.Errorf("upsert %s: %w", n.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// touched lists rows to rewrite (changed nodes plus parents whose child list
// moved) and rows to drop.
func touched(changes []domain.Change) (upserts, deletes []string) {
	seen := map[string]bool{}
	mark := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			upserts = append(upserts, p)
		}
	}
	for _, c := range changes {
		switch c.Action {
		case domain.ActionDelete:
			deletes = append(deletes, c.Path)
			mark(domain.ParentPath(c.Path))
		case domain.ActionCreate:
			mark(c.Path)
			mark(domain.ParentPath(c.Path))
		default:
			mark(c.Path)
		}
	}
	return upserts, deletes
}
