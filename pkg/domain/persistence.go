package domain

import "context"

// TransactionView provides read-only access to a consistent tree snapshot.
type TransactionView interface {
	Querier
	Root() NodeState
}

// Transaction exposes the write operations available inside an atomic scope.
// Reads observe the transaction's own pending writes.
type Transaction interface {
	TransactionView
	UserID() string
	AddNode(parent, name, primaryType string) (NodeState, error)
	EnsureNode(path, primaryType string) (NodeState, error)
	SetProperty(path, name string, p Property) error
	RemoveProperty(path, name string) error
	RemoveNode(path string) error
	AddMixin(path, mixin string) error
	Checkout(path string) error
	Checkin(path string) error
}

// Observer receives the change list of every successful commit.
type Observer interface {
	Observe(ctx context.Context, changes []Change)
}

// PersistentStore is the abstraction over the content repository used by
// higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Hooks() *CommitHookEngine
	SetObserver(o Observer)
}

type userKey struct{}

// WithUser attaches the acting user to ctx; commits record it as jcr:createdBy
// and jcr:lastModifiedBy.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFrom returns the acting user, defaulting to "admin" for system work.
func UserFrom(ctx context.Context) string {
	if u, ok := ctx.Value(userKey{}).(string); ok && u != "" {
		return u
	}
	return "admin"
}
