// Package memory provides the in-memory transactional content repository used
// directly in tests and embedded by the SQL-backed stores.
package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cards/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing editor findings.
	Result = domain.Result
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// Store provides an in-memory transactional content tree. Commits are
// serialised; readers see the last committed tree without blocking writers
// for longer than a pointer swap.
type Store struct {
	mu       sync.RWMutex
	tree     *domain.Tree
	hooks    *domain.CommitHookEngine
	nowFn    func() time.Time
	observer domain.Observer
	writer   Writer
	logger   *slog.Logger
}

// NewStore constructs an in-memory store running the provided commit hooks.
func NewStore(hooks *domain.CommitHookEngine) *Store {
	if hooks == nil {
		hooks = domain.NewCommitHookEngine()
	}
	return &Store{
		tree:   domain.NewTree(),
		hooks:  hooks,
		nowFn:  func() time.Time { return time.Now().UTC() },
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Hooks exposes the commit hook engine so plugins can register editors.
func (s *Store) Hooks() *domain.CommitHookEngine { return s.hooks }

// SetObserver installs the receiver of committed change lists.
func (s *Store) SetObserver(o domain.Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// SetLogger replaces the store logger.
func (s *Store) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = l
}

// SetNowFunc overrides the clock used to stamp jcr:created and jcr:lastModified.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// NowFunc returns the time provider used by the store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// ExportState returns copies of every committed node, parents first.
func (s *Store) ExportState() []*domain.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Nodes()
}

// ImportState replaces the committed tree with the provided nodes. Commit
// hooks are not run.
func (s *Store) ImportState(nodes []*domain.Node) error {
	tree, err := domain.LoadTree(nodes)
	if err != nil {
		return fmt.Errorf("import state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = tree
	return nil
}

// RunInTransaction executes fn within a transaction and commits on success.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	res, _, err := s.Commit(ctx, fn)
	return res, err
}

// Writer durably records a commit before it becomes visible. v is the tree
// about to be published; an error aborts the commit.
type Writer func(ctx context.Context, changes []Change, v TransactionView) error

// SetWriter installs the pre-publish writer used by the SQL-backed stores.
func (s *Store) SetWriter(w Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = w
}

// Commit is RunInTransaction returning the committed change list.
func (s *Store) Commit(ctx context.Context, fn func(tx Transaction) error) (Result, []Change, error) {
	out, err := s.commit(ctx, fn)
	if err != nil {
		return out.res, nil, err
	}
	out.logger.Debug("commit", "user", domain.UserFrom(ctx), "changes", len(out.changes))
	if out.observer != nil && len(out.changes) > 0 {
		out.observer.Observe(ctx, out.changes)
	}
	return out.res, out.changes, nil
}

type commitOutcome struct {
	res      Result
	changes  []Change
	observer domain.Observer
	logger   *slog.Logger
}

// commit runs the unit of work under the write lock, which is released on
// every exit, panics included.
func (s *Store) commit(ctx context.Context, fn func(tx Transaction) error) (commitOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	committed := s.tree
	now := s.nowFn()
	user := domain.UserFrom(ctx)
	tx := &transaction{tree: committed.Clone(), now: now, user: user}

	if err := fn(tx); err != nil {
		return commitOutcome{}, err
	}
	final, res, err := s.hooks.Process(ctx, committed, tx.tree, domain.CommitInfo{UserID: user, Time: now, Committed: committed})
	if err != nil {
		return commitOutcome{}, err
	}
	if res.HasBlocking() {
		return commitOutcome{res: res}, domain.RuleViolationError{Result: res}
	}
	stamp(committed, final, now, user)
	changes := domain.Diff(committed, final)
	if s.writer != nil && len(changes) > 0 {
		if err := s.writer(ctx, changes, final); err != nil {
			return commitOutcome{}, fmt.Errorf("persist commit: %w", err)
		}
	}
	s.tree = final
	return commitOutcome{res: res, changes: changes, observer: s.observer, logger: s.logger}, nil
}

// stamp maintains the auto-created jcr:* bookkeeping properties.
func stamp(before, after *domain.Tree, now time.Time, user string) {
	for _, c := range domain.Diff(before, after) {
		switch c.Action {
		case domain.ActionCreate:
			if _, ok := c.After.Properties[domain.PropCreated]; !ok {
				_ = after.SetProperty(c.Path, domain.PropCreated, domain.DateValue(now))
				_ = after.SetProperty(c.Path, domain.PropCreatedBy, domain.StringValue(user))
			}
			_ = after.SetProperty(c.Path, domain.PropLastModified, domain.DateValue(now))
			_ = after.SetProperty(c.Path, domain.PropLastModifiedBy, domain.StringValue(user))
		case domain.ActionUpdate:
			if c.Path == "/" || onlyVersioning(c.Properties) {
				continue
			}
			_ = after.SetProperty(c.Path, domain.PropLastModified, domain.DateValue(now))
			_ = after.SetProperty(c.Path, domain.PropLastModifiedBy, domain.StringValue(user))
		}
	}
}

func onlyVersioning(props []string) bool {
	for _, p := range props {
		if p != domain.PropIsCheckedOut {
			return false
		}
	}
	return true
}

// View executes fn against the committed tree.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()
	return fn(tree)
}

type transaction struct {
	tree *domain.Tree
	now  time.Time
	user string
}

func (tx *transaction) Root() domain.NodeState                 { return tx.tree.Root() }
func (tx *transaction) Node(p string) domain.NodeState         { return tx.tree.Node(p) }
func (tx *transaction) ByIdentifier(id string) domain.NodeState { return tx.tree.ByIdentifier(id) }
func (tx *transaction) UserID() string                         { return tx.user }

func (tx *transaction) Query(q domain.Query) ([]domain.NodeState, error) {
	return tx.tree.Query(q)
}

var protected = map[string]bool{
	domain.PropUUID:         true,
	domain.PropPrimaryType:  true,
	domain.PropIsCheckedOut: true,
}

// checkWritable fails when the nearest versionable node at or above p is checked in.
func (tx *transaction) checkWritable(p string) error {
	for cur := tx.tree.Node(p); cur.Exists(); cur = cur.Parent() {
		if !cur.IsNodeType(domain.MixinVersionable) {
			continue
		}
		if v, ok := cur.Property(domain.PropIsCheckedOut); ok && !v.Bool() {
			return fmt.Errorf("write %s: %w: %s", p, domain.ErrVersion, cur.Path())
		}
		return nil
	}
	return nil
}

func (tx *transaction) AddNode(parent, name, primaryType string) (domain.NodeState, error) {
	if err := tx.checkWritable(parent); err != nil {
		return domain.NodeState{}, err
	}
	p, err := tx.tree.AddNode(parent, name, primaryType)
	if err != nil {
		return domain.NodeState{}, err
	}
	_ = tx.tree.SetProperty(p, domain.PropCreated, domain.DateValue(tx.now))
	_ = tx.tree.SetProperty(p, domain.PropCreatedBy, domain.StringValue(tx.user))
	return tx.tree.Node(p), nil
}

func (tx *transaction) EnsureNode(p, primaryType string) (domain.NodeState, error) {
	clean, err := domain.CleanPath(p)
	if err != nil {
		return domain.NodeState{}, err
	}
	if n := tx.tree.Node(clean); n.Exists() {
		return n, nil
	}
	cur := "/"
	segments := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	for i, seg := range segments {
		next := domain.JoinPath(cur, seg)
		if !tx.tree.Node(next).Exists() {
			nodeType := domain.NodeTypeFolder
			if i == len(segments)-1 {
				nodeType = primaryType
			}
			if _, err := tx.AddNode(cur, seg, nodeType); err != nil {
				return domain.NodeState{}, err
			}
		}
		cur = next
	}
	return tx.tree.Node(clean), nil
}

func (tx *transaction) SetProperty(p, name string, prop domain.Property) error {
	if protected[name] {
		return fmt.Errorf("set %s on %s: %w", name, p, domain.ErrProtected)
	}
	if err := tx.checkWritable(p); err != nil {
		return err
	}
	return tx.tree.SetProperty(p, name, prop)
}

func (tx *transaction) RemoveProperty(p, name string) error {
	if protected[name] {
		return fmt.Errorf("remove %s on %s: %w", name, p, domain.ErrProtected)
	}
	if err := tx.checkWritable(p); err != nil {
		return err
	}
	return tx.tree.RemoveProperty(p, name)
}

func (tx *transaction) RemoveNode(p string) error {
	if err := tx.checkWritable(domain.ParentPath(p)); err != nil {
		return err
	}
	return tx.tree.RemoveNode(p)
}

func (tx *transaction) AddMixin(p, mixin string) error {
	if err := tx.checkWritable(p); err != nil {
		return err
	}
	return tx.tree.AddMixin(p, mixin)
}

func (tx *transaction) Checkout(p string) error { return tx.setCheckedOut(p, true) }

func (tx *transaction) Checkin(p string) error { return tx.setCheckedOut(p, false) }

func (tx *transaction) setCheckedOut(p string, out bool) error {
	n := tx.tree.Node(p)
	if !n.Exists() {
		return domain.NotFoundError{Kind: "node", ID: p}
	}
	if !n.IsNodeType(domain.MixinVersionable) {
		return fmt.Errorf("%s is not versionable: %w", p, domain.ErrVersion)
	}
	return tx.tree.SetProperty(p, domain.PropIsCheckedOut, domain.BooleanValue(out))
}
