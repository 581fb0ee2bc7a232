package observation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cards/internal/infra/persistence/memory"
	"cards/internal/platform/metrics"
	"cards/pkg/domain"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recorder struct {
	mu    sync.Mutex
	users []string
	paths [][]string
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnChange(ctx context.Context, changes []domain.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ps []string
	for _, c := range changes {
		ps = append(ps, c.Path)
	}
	r.users = append(r.users, domain.UserFrom(ctx))
	r.paths = append(r.paths, ps)
	return nil
}

func flush(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestDispatcherDeliversListenerCommits(t *testing.T) {
	store := memory.NewStore(nil)
	m := metrics.New()
	d := NewDispatcher(WithMetrics(m))
	store.SetObserver(d)
	rec := &recorder{}

	// A listener that reacts to /a by committing /b, as post-commit listeners do.
	d.Register(ListenerFunc{ID: "writer", Fn: func(ctx context.Context, changes []domain.Change) error {
		for _, c := range changes {
			if c.Path == "/a" && c.Action == domain.ActionCreate {
				_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
					_, err := tx.AddNode("/", "b", domain.NodeTypeUnstructured)
					return err
				})
				return err
			}
		}
		return nil
	}})
	d.Register(ListenerFunc{ID: "boom", Fn: func(context.Context, []domain.Change) error {
		panic("listener bug")
	}})
	d.Register(ListenerFunc{ID: "fails", Fn: func(context.Context, []domain.Change) error {
		return errors.New("nope")
	}})
	d.Register(rec)
	d.Start(context.Background())
	defer func() { _ = d.Stop(context.Background()) }()

	ctx := domain.WithUser(context.Background(), "nurse")
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.AddNode("/", "a", domain.NodeTypeUnstructured)
		return err
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	flush(t, d)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.paths) != 2 {
		t.Fatalf("expected two batches, got %v", rec.paths)
	}
	if rec.users[0] != "nurse" || rec.users[1] != "nurse" {
		t.Fatalf("expected the committing user to propagate, got %v", rec.users)
	}
	if rec.paths[1][len(rec.paths[1])-1] != "/b" {
		t.Fatalf("expected listener commit in the second batch, got %v", rec.paths[1])
	}
	if got := testutil.ToFloat64(m.ListenerFailures.WithLabelValues("boom")); got != 2 {
		t.Fatalf("expected panics to be counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.ListenerFailures.WithLabelValues("fails")); got != 2 {
		t.Fatalf("expected failures to be counted, got %v", got)
	}
	names := d.Listeners()
	if len(names) != 4 || names[3] != "recorder" {
		t.Fatalf("unexpected listeners %v", names)
	}
}

func TestFlushRequiresRunningDispatcher(t *testing.T) {
	d := NewDispatcher()
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("idle flush should succeed: %v", err)
	}
	d.Observe(context.Background(), []domain.Change{{Path: "/x", Action: domain.ActionCreate}})
	if err := d.Flush(context.Background()); err == nil {
		t.Fatalf("expected error when nothing delivers")
	}
	d.Observe(context.Background(), nil)
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("stop on stopped dispatcher: %v", err)
	}
}

func TestStopDropsQueuedBatches(t *testing.T) {
	d := NewDispatcher()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rec := &recorder{}
	d.Register(ListenerFunc{ID: "slow", Fn: func(context.Context, []domain.Change) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}})
	d.Register(rec)
	d.Start(context.Background())
	d.mu.Lock()
	stopped := d.stop
	d.mu.Unlock()

	d.Observe(context.Background(), []domain.Change{{Path: "/first", Action: domain.ActionCreate}})
	<-entered
	d.Observe(context.Background(), []domain.Change{{Path: "/queued-1", Action: domain.ActionCreate}})
	d.Observe(context.Background(), []domain.Change{{Path: "/queued-2", Action: domain.ActionCreate}})

	errs := make(chan error, 1)
	go func() { errs <- d.Stop(context.Background()) }()
	<-stopped
	close(release)
	if err := <-errs; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("expected nothing in flight after stop: %v", err)
	}

	d.Start(context.Background())
	defer func() { _ = d.Stop(context.Background()) }()
	d.Observe(context.Background(), []domain.Change{{Path: "/after", Action: domain.ActionCreate}})
	flush(t, d)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.paths) != 2 || rec.paths[0][0] != "/first" || rec.paths[1][0] != "/after" {
		t.Fatalf("expected only /first and /after to be delivered, got %v", rec.paths)
	}
}
