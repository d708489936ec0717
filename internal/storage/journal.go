// internal/storage/journal.go
package storage

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/datamarket/datamarket-go/internal/event"
	"github.com/datamarket/datamarket-go/internal/metrics"
	"github.com/datamarket/datamarket-go/internal/model"
)

// Journal records confirmed activity: it assigns ids, appends entries to the store and
// streams them to the event publisher. It implements model.ActivityRecorder.
type Journal struct {
	store     Store
	publisher event.Publisher
	metrics   *metrics.Metrics

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewJournal creates a journal. A nil publisher disables events.
func NewJournal(s Store, p event.Publisher) *Journal {
	if p == nil {
		p = event.NewNoop()
	}
	return &Journal{
		store:     s,
		publisher: p,
		metrics:   metrics.NewMetrics(),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

func (j *Journal) newID(t time.Time) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), j.entropy).String()
}

// Record appends a and publishes it. Failures are logged, never returned: the ledger
// transaction behind a has already been confirmed.
func (j *Journal) Record(ctx context.Context, a model.Activity) {
	ctx = context.WithoutCancel(ctx)
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now()
	}
	if a.ID == "" {
		a.ID = j.newID(a.OccurredAt)
	}

	start := time.Now()
	err := j.store.AppendActivity(ctx, a)
	j.metrics.ObserveJournalOperation("append", start, err)
	if err != nil {
		slog.Error("failed to journal activity", "id", a.ID, "kind", a.Kind, "ref", a.Ref, "error", err)
	}

	if err := j.publisher.PublishActivity(ctx, a); err != nil {
		slog.Warn("failed to publish activity event", "id", a.ID, "kind", a.Kind, "error", err)
	}
}

// List returns one page of journal entries, newest first.
func (j *Journal) List(ctx context.Context, q model.ListActivityQuery) (*model.ListActivityResult, error) {
	start := time.Now()
	res, err := j.store.ListActivity(ctx, q)
	j.metrics.ObserveJournalOperation("list", start, err)
	return res, err
}
