// Package editors contains the commit-time editors that derive form and
// subject state inside the commit that changed it.
package editors

import (
	"log/slog"

	"cards/internal/platform/logger"
	"cards/internal/platform/metrics"
	"cards/pkg/domain"
)

// Option configures an editor provider.
type Option func(*base)

// WithLogger sets the provider logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *base) { b.logger = logger.OrDiscard(l) }
}

// WithMetrics counts abandoned units of work.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *base) { b.metrics = m }
}

type base struct {
	name    string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newBase(name string, opts []Option) base {
	b := base{name: name, logger: logger.Discard()}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = b.logger.With("editor", name)
	return b
}

// Name returns the provider name.
func (b base) Name() string { return b.name }

// skip logs an abandoned unit of work; the commit goes on.
func (b base) skip(msg string, path string, err error) {
	b.metrics.IncEditorFailure(b.name)
	b.logger.Warn(msg, "path", path, "error", err)
}

// isNewForm reports whether the visited node is a form created in this commit.
func isNewForm(before, after domain.NodeState) bool {
	return !before.Exists() && after.IsNodeType(domain.NodeTypeForm)
}

// descendInto reports whether the walk should continue below n: forms are
// handled as a whole, everything else may contain forms or subjects.
func descendInto(n domain.NodeState) bool {
	return !n.IsNodeType(domain.NodeTypeForm) &&
		!n.IsNodeType(domain.NodeTypeQuestionnaire) &&
		!n.IsNodeType(domain.NodeTypeSubjectType)
}

// setIfChanged writes p unless the node already holds an equal value.
func setIfChanged(b *domain.NodeBuilder, name string, p domain.Property) error {
	if cur, ok := b.Property(name); ok && cur.Equal(p) {
		return nil
	}
	return b.SetProperty(name, p)
}
