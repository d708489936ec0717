package model

import (
	"context"
	"time"
)

// ActivityKind names an action taken through this daemon.
type ActivityKind string

const (
	ActivityProfileCreated ActivityKind = "profile.created"
	ActivityProfileUpdated ActivityKind = "profile.updated"
	ActivityPublished      ActivityKind = "dataset.published"
	ActivityListed         ActivityKind = "listing.created"
	ActivityPriceUpdated   ActivityKind = "listing.price_updated"
	ActivityDelisted       ActivityKind = "listing.cancelled"
	ActivityPurchased      ActivityKind = "dataset.purchased"
)

// Activity is one entry of the local activity journal.
// The journal records what this daemon submitted; the ledger remains the source of truth.
type Activity struct {
	ID         string                 `json:"id" db:"id"`                   // ULID, sortable by time
	Address    string                 `json:"address" db:"address"`         // Wallet that signed
	Kind       ActivityKind           `json:"kind" db:"kind"`               // What happened
	Ref        string                 `json:"ref" db:"ref"`                 // Dataset, listing or profile id
	Digest     string                 `json:"digest" db:"digest"`           // Transaction digest
	Amount     uint64                 `json:"amount,omitempty" db:"amount"` // MIST moved, if any
	Payload    map[string]interface{} `json:"payload,omitempty" db:"payload"`
	OccurredAt time.Time              `json:"occurredAt" db:"occurred_at"`
}

// ListActivityQuery represents the query parameters for listing activity.
type ListActivityQuery struct {
	Address string       `json:"address"` // Filter by wallet address
	Kind    ActivityKind `json:"kind"`    // Optional filter by kind
	Limit   int          `json:"limit"`   // Maximum number of entries to return
	Cursor  string       `json:"cursor"`  // Pagination cursor
}

// ListActivityResult represents one page of activity, newest first.
type ListActivityResult struct {
	Entries    []Activity `json:"entries"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ActivityRecorder receives activity once the ledger has confirmed a mutation.
// Record must not fail the caller: the transaction has already happened.
type ActivityRecorder interface {
	Record(ctx context.Context, a Activity)
}

// NopRecorder discards activity.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Activity) {}
