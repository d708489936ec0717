package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/datamarket/datamarket-go/internal/model"
)

type recordingPublisher struct {
	mu    sync.Mutex
	got   []model.Activity
	fails bool
}

func (p *recordingPublisher) PublishActivity(ctx context.Context, a model.Activity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails {
		return errors.New("nats down")
	}
	p.got = append(p.got, a)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestMemoryActivityPagination(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		addr := "0xa"
		if i%2 == 1 {
			addr = "0xb"
		}
		err := s.AppendActivity(ctx, model.Activity{ID: fmt.Sprintf("01J%03d", i), Address: addr, Kind: model.ActivityPublished})
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AppendActivity(ctx, model.Activity{ID: "01J000"}); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate id: err = %v", err)
	}

	page, err := s.ListActivity(ctx, model.ListActivityQuery{Address: "0xa", Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 2 || page.Entries[0].ID != "01J006" || page.Entries[1].ID != "01J004" {
		t.Fatalf("first page = %+v", page.Entries)
	}
	if page.NextCursor == "" {
		t.Fatal("missing next cursor")
	}
	page, err = s.ListActivity(ctx, model.ListActivityQuery{Address: "0xa", Limit: 2, Cursor: page.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 2 || page.Entries[0].ID != "01J002" || page.NextCursor != "" {
		t.Fatalf("second page = %+v cursor=%q", page.Entries, page.NextCursor)
	}

	all, _ := s.ListActivity(ctx, model.ListActivityQuery{})
	if len(all.Entries) != 7 {
		t.Errorf("unfiltered = %d entries", len(all.Entries))
	}
	none, _ := s.ListActivity(ctx, model.ListActivityQuery{Kind: model.ActivityPurchased})
	if len(none.Entries) != 0 || none.Entries == nil {
		t.Errorf("kind filter = %+v", none.Entries)
	}
	if _, err := s.ListActivity(ctx, model.ListActivityQuery{Cursor: "!!"}); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("garbage cursor = %v", err)
	}
	if _, err := s.GetActivity(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetActivity(missing) = %v", err)
	}
}

func TestMemoryIdempotency(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	if err := s.StoreIdempotentResponse(ctx, "k1", []byte(`{"ok":true}`), 201, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	body, status, err := s.GetIdempotentResponse(ctx, "k1")
	if err != nil || status != 201 || string(body) != `{"ok":true}` {
		t.Errorf("GetIdempotentResponse = %s, %d, %v", body, status, err)
	}
	_ = s.StoreIdempotentResponse(ctx, "k2", []byte("x"), 200, time.Now().Add(-time.Second))
	if _, _, err := s.GetIdempotentResponse(ctx, "k2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired entry: err = %v", err)
	}
}

func TestJournalRecord(t *testing.T) {
	s := NewMemory()
	pub := &recordingPublisher{}
	j := NewJournal(s, pub)
	ctx := context.Background()

	j.Record(ctx, model.Activity{Address: "0xa", Kind: model.ActivityPublished, Ref: "0xrec"})
	j.Record(ctx, model.Activity{Address: "0xa", Kind: model.ActivityListed, Ref: "0xlst"})

	page, err := j.List(ctx, model.ListActivityQuery{Address: "0xa"})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("entries = %+v", page.Entries)
	}
	if page.Entries[0].Kind != model.ActivityListed || page.Entries[0].ID <= page.Entries[1].ID {
		t.Errorf("entries not newest first: %+v", page.Entries)
	}
	if page.Entries[1].OccurredAt.IsZero() {
		t.Error("OccurredAt not set")
	}
	if len(pub.got) != 2 || pub.got[0].ID != page.Entries[1].ID {
		t.Errorf("published = %+v", pub.got)
	}

	// A failing publisher does not lose the journal entry.
	pub.fails = true
	j.Record(ctx, model.Activity{Address: "0xa", Kind: model.ActivityDelisted})
	page, _ = j.List(ctx, model.ListActivityQuery{Address: "0xa"})
	if len(page.Entries) != 3 {
		t.Errorf("entries after publish failure = %d", len(page.Entries))
	}
}
