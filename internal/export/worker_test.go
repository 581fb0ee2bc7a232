package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cards/internal/blob"
	"cards/internal/forms"
	"cards/internal/infra/persistence/memory"
	"cards/internal/serialize"
	"cards/pkg/domain"
)

type auditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (a *auditRecorder) Record(_ context.Context, e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditRecorder) statuses() []Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Status, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Status
	}
	return out
}

const phq = `
- name: PHQ
  title: PHQ-2
  questions:
    - name: interest
      text: Little interest
      dataType: long
`

func seedStore(t *testing.T) (*memory.Store, string) {
	t.Helper()
	defs, err := forms.ParseQuestionnaires([]byte(phq))
	require.NoError(t, err)
	store := memory.NewStore(nil)
	var formPath string
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		q, err := forms.InstallQuestionnaire(tx, defs[0])
		if err != nil {
			return err
		}
		if err := forms.InstallSubjectTypes(tx, []forms.SubjectTypeDef{{Name: "Patient"}}); err != nil {
			return err
		}
		patient, err := forms.CreateSubject(tx, domain.NodeState{}, tx.Node("/SubjectTypes/Patient"), "1001")
		if err != nil {
			return err
		}
		form, err := forms.Create(tx, q, patient)
		if err != nil {
			return err
		}
		formPath = form.Path()
		_, err = forms.SetAnswer(tx, form.Path(), q, "interest", domain.LongValue(2))
		return err
	})
	require.NoError(t, err)
	return store, formPath
}

func waitFor(t *testing.T, w *Worker, id string, status Status) Record {
	t.Helper()
	var rec Record
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = w.Get(id)
		return ok && rec.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func TestExportQuestionnaireToBlobStore(t *testing.T) {
	store, _ := seedStore(t)
	blobs := blob.NewMemory()
	audit := &auditRecorder{}
	w := NewWorker(store, blobs, serialize.New(), WithAudit(audit))
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	queued, err := w.Enqueue(context.Background(), Input{
		Path:        "/Questionnaires/PHQ",
		Selectors:   []string{"-dereference"},
		Formats:     []string{"json", "CSV", "json"},
		RequestedBy: "admin",
		Reason:      "monthly report",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, queued.Status)
	assert.Equal(t, []string{"json", "csv"}, queued.Formats)

	rec := waitFor(t, w, queued.ID, StatusSucceeded)
	require.Len(t, rec.Artifacts, 2)
	require.NotNil(t, rec.CompletedAt)

	_, body, err := blobs.Get(context.Background(), "exports/"+queued.ID+".csv")
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	_ = body.Close()
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Identifier,Created,Little interest", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",2"))

	info, body, err := blobs.Get(context.Background(), "exports/"+queued.ID+".json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", info.ContentType)
	var doc map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&doc))
	_ = body.Close()
	assert.Equal(t, "/Questionnaires/PHQ", doc["@path"])

	assert.Equal(t, []Status{StatusQueued, StatusRunning, StatusSucceeded}, audit.statuses())
}

func TestEnqueueValidation(t *testing.T) {
	store, formPath := seedStore(t)
	w := NewWorker(store, blob.NewMemory(), serialize.New())
	ctx := context.Background()

	_, err := w.Enqueue(ctx, Input{Path: formPath, Formats: []string{"csv"}})
	assert.ErrorIs(t, err, serialize.ErrFormat)

	_, err = w.Enqueue(ctx, Input{Path: formPath, Formats: []string{"xml"}})
	assert.ErrorIs(t, err, serialize.ErrFormat)

	_, err = w.Enqueue(ctx, Input{Path: formPath, Selectors: []string{"bare", "toEpic"}})
	assert.ErrorIs(t, err, serialize.ErrIncompatible)

	_, err = w.Enqueue(ctx, Input{Path: "/Forms/missing"})
	var nf domain.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestEnqueueRejectsWhenQueueIsFull(t *testing.T) {
	store, formPath := seedStore(t)
	w := NewWorker(store, blob.NewMemory(), serialize.New(), WithQueueSize(1))
	first, err := w.Enqueue(context.Background(), Input{Path: formPath})
	require.NoError(t, err)
	_, err = w.Enqueue(context.Background(), Input{Path: formPath})
	assert.ErrorIs(t, err, ErrQueueFull)

	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })
	rec := waitFor(t, w, first.ID, StatusSucceeded)
	assert.Equal(t, []string{"json"}, rec.Formats)
}

type failingBlobs struct{ *blob.Memory }

func (failingBlobs) Put(context.Context, string, io.Reader, blob.PutOptions) (blob.Info, error) {
	return blob.Info{}, errors.New("disk full")
}

func TestExportFailureIsRecorded(t *testing.T) {
	store, formPath := seedStore(t)
	audit := &auditRecorder{}
	w := NewWorker(store, failingBlobs{blob.NewMemory()}, serialize.New(), WithAudit(audit))
	w.Start()
	t.Cleanup(func() { _ = w.Stop(context.Background()) })

	queued, err := w.Enqueue(context.Background(), Input{Path: formPath, Selectors: []string{"bare"}})
	require.NoError(t, err)
	rec := waitFor(t, w, queued.ID, StatusFailed)
	assert.Contains(t, rec.Error, "disk full")
	assert.Empty(t, rec.Artifacts)
	assert.Equal(t, []Status{StatusQueued, StatusRunning, StatusFailed}, audit.statuses())
}
