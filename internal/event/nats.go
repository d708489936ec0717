// internal/event/nats.go
// Package event streams confirmed marketplace activity to NATS JetStream so indexers and
// dashboards can follow what this daemon submitted without polling the ledger.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/datamarket/datamarket-go/internal/metrics"
	"github.com/datamarket/datamarket-go/internal/model"
)

// Stream names and subject prefixes.
const (
	StreamDatasets = "MKT_DATASETS"
	StreamTrades   = "MKT_TRADES"
	StreamProfiles = "MKT_PROFILES"

	subjectDatasets = "market.datasets"
	subjectTrades   = "market.trades"
	subjectProfiles = "market.profiles"
)

// dedupWindow is how long a published activity id is remembered.
const dedupWindow = 2 * time.Minute

// Publisher interface defines the event publishing operations required by the daemon.
type Publisher interface {
	// PublishActivity publishes one confirmed activity entry.
	PublishActivity(ctx context.Context, a model.Activity) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

// Close implements Publisher
func (n *noop) Close() error { return nil }

// PublishActivity implements Publisher
func (n *noop) PublishActivity(ctx context.Context, a model.Activity) error { return nil }

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn            // NATS connection
	js      nats.JetStreamContext // JetStream context for stream operations
	metrics *metrics.Metrics

	// Deduplication fields
	dedup map[string]time.Time // Map of activity ids to last publish time
	mutex sync.RWMutex         // Mutex for thread-safe access to the dedup map
}

// NewPublisher connects to the NATS server at url.
// If url is empty or the connection fails, it returns a no-op publisher.
// Parameters:
//   - url: NATS server URL (MARKET_NATS_URL)
// Returns:
//   - Publisher: Either a NATS publisher or a no-op publisher
func NewPublisher(url string) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url, nats.Name("marketd"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:      nc,
		js:      js,
		metrics: metrics.NewMetrics(),
		dedup:   make(map[string]time.Time),
	}
}

// initStreams creates the dataset, trade and profile streams.
func initStreams(js nats.JetStreamContext) error {
	streams := []struct {
		name    string
		subject string
		maxAge  time.Duration
	}{
		{StreamDatasets, subjectDatasets, 7 * 24 * time.Hour},
		{StreamTrades, subjectTrades, 30 * 24 * time.Hour},
		{StreamProfiles, subjectProfiles, 7 * 24 * time.Hour},
	}
	for _, s := range streams {
		_, err := js.AddStream(&nats.StreamConfig{
			Name:       s.name,
			Subjects:   []string{s.subject + ".*"},
			Retention:  nats.LimitsPolicy,
			MaxAge:     s.maxAge,
			Discard:    nats.DiscardOld,
			Storage:    nats.FileStorage,
			Duplicates: dedupWindow,
		})
		if err != nil {
			return fmt.Errorf("failed to create %s stream: %w", s.name, err)
		}
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
// All events published to NATS are wrapped in this envelope for consistency.
type EventEnvelope struct {
	ID            string      `json:"id"`            // Unique event id
	Type          string      `json:"type"`          // Event type identifier (the subject)
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the activity was confirmed
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// Subject maps an activity kind to its NATS subject.
func Subject(kind model.ActivityKind) string {
	switch kind {
	case model.ActivityPublished:
		return subjectDatasets + ".published"
	case model.ActivityListed:
		return subjectDatasets + ".listed"
	case model.ActivityPriceUpdated:
		return subjectDatasets + ".repriced"
	case model.ActivityDelisted:
		return subjectDatasets + ".delisted"
	case model.ActivityPurchased:
		return subjectTrades + ".purchased"
	case model.ActivityProfileCreated:
		return subjectProfiles + ".created"
	case model.ActivityProfileUpdated:
		return subjectProfiles + ".updated"
	}
	return subjectDatasets + "." + strings.ReplaceAll(string(kind), ".", "_")
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// shouldDedup reports whether key was published within the dedup window.
func (p *natsPub) shouldDedup(key string) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if lastTime, exists := p.dedup[key]; exists {
		return time.Since(lastTime) < dedupWindow
	}
	return false
}

// updateDedup records a successful publish of key.
func (p *natsPub) updateDedup(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	// Clean up old entries to prevent memory leaks
	cutoff := time.Now().Add(-5 * time.Minute)
	for k, t := range p.dedup {
		if t.Before(cutoff) {
			delete(p.dedup, k)
		}
	}
	p.dedup[key] = time.Now()
}

// PublishActivity publishes an activity entry to the stream of its kind.
// The activity id doubles as the JetStream message id, so the server drops redeliveries too.
// Parameters:
//   - ctx: Context for the operation
//   - a: Confirmed activity entry
// Returns:
//   - error: Any error that occurred during publishing
func (p *natsPub) PublishActivity(ctx context.Context, a model.Activity) (err error) {
	if p.shouldDedup(a.ID) {
		return nil
	}

	subject := Subject(a.Kind)
	start := time.Now()
	defer func() {
		status := metrics.Status(err)
		p.metrics.EventPublishTotal.WithLabelValues(subject, status).Inc()
		p.metrics.EventPublishDuration.WithLabelValues(subject, status).Observe(time.Since(start).Seconds())
	}()

	envelope := EventEnvelope{
		ID:            uuid.New().String(),
		Type:          subject,
		Version:       "1.0.0",
		OccurredAt:    a.OccurredAt.UTC(),
		CorrelationID: a.ID,
		Payload:       a,
	}
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	if _, err = p.js.Publish(subject, b, nats.Context(ctx), nats.MsgId(a.ID)); err != nil {
		return err
	}
	p.updateDedup(a.ID)
	return nil
}
