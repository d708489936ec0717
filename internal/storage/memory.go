// internal/storage/memory.go
// Package storage persists the local activity journal and idempotent HTTP responses,
// with in-memory and PostgreSQL backends.
package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/datamarket/datamarket-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when an entry is not found
	ErrConflict = errors.New("conflict")  // Returned when an entry already exists

	ErrInvalidCursor = errors.New("invalid cursor") // Returned when a pagination cursor does not decode
)

// Pagination limits for ListActivity.
const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Store interface defines the storage operations required by the daemon.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	// Activity journal
	AppendActivity(ctx context.Context, a model.Activity) error                                          // Append one entry; duplicate ids conflict
	ListActivity(ctx context.Context, query model.ListActivityQuery) (*model.ListActivityResult, error) // Newest first, cursor paginated
	GetActivity(ctx context.Context, id string) (*model.Activity, error)                                // Get an entry by id

	// Idempotency operations
	StoreIdempotentResponse(ctx context.Context, keyHash string, responseBody []byte, statusCode int, expiresAt time.Time) error // Store idempotent response
	GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error)                                             // Get cached idempotent response

	Ping(ctx context.Context) error
	Close()
}

// IdempotentResponse represents a cached idempotent response
type IdempotentResponse struct {
	ResponseBody []byte    // Cached response body
	StatusCode   int       // HTTP status code
	ExpiresAt    time.Time // When the entry expires
}

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu          sync.RWMutex                   // Protects concurrent access to maps
	activity    map[string]*model.Activity     // Map of id to entry
	idempotency map[string]*IdempotentResponse // Map of key hash to idempotent responses
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		activity:    make(map[string]*model.Activity),
		idempotency: make(map[string]*IdempotentResponse),
	}
}

func (m *memory) AppendActivity(ctx context.Context, a model.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.activity[a.ID]; exists {
		return ErrConflict
	}
	entry := a
	m.activity[a.ID] = &entry
	return nil
}

func (m *memory) GetActivity(ctx context.Context, id string) (*model.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.activity[id]
	if !exists {
		return nil, ErrNotFound
	}
	entry := *a
	return &entry, nil
}

// encodeCursor encodes the last returned entry into an opaque cursor.
func encodeCursor(lastID string) string {
	jsonBytes, _ := json.Marshal(map[string]string{"lastId": lastID})
	return base64.URLEncoding.EncodeToString(jsonBytes)
}

// decodeCursor decodes a cursor produced by encodeCursor.
func decodeCursor(cursor string) (string, error) {
	dataBytes, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var data map[string]string
	if err := json.Unmarshal(dataBytes, &data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if data["lastId"] == "" {
		return "", fmt.Errorf("%w: missing lastId", ErrInvalidCursor)
	}
	return data["lastId"], nil
}

// pageSize clamps a requested limit.
func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}

func (m *memory) ListActivity(ctx context.Context, query model.ListActivityQuery) (*model.ListActivityResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastID string
	if query.Cursor != "" {
		var err error
		if lastID, err = decodeCursor(query.Cursor); err != nil {
			return nil, err
		}
	}

	filtered := make([]*model.Activity, 0)
	for _, a := range m.activity {
		if query.Address != "" && a.Address != query.Address {
			continue
		}
		if query.Kind != "" && a.Kind != query.Kind {
			continue
		}
		if lastID != "" && a.ID >= lastID {
			continue
		}
		filtered = append(filtered, a)
	}
	// ULIDs sort by time; newest first
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })

	limit := pageSize(query.Limit)
	result := &model.ListActivityResult{Entries: []model.Activity{}}
	for i, a := range filtered {
		if i == limit {
			result.NextCursor = encodeCursor(result.Entries[len(result.Entries)-1].ID)
			break
		}
		result.Entries = append(result.Entries, *a)
	}
	return result, nil
}

// StoreIdempotentResponse stores an idempotent response in memory
func (m *memory) StoreIdempotentResponse(ctx context.Context, keyHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	responseCopy := make([]byte, len(responseBody))
	copy(responseCopy, responseBody)

	m.idempotency[keyHash] = &IdempotentResponse{
		ResponseBody: responseCopy,
		StatusCode:   statusCode,
		ExpiresAt:    expiresAt,
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from memory
func (m *memory) GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	response, exists := m.idempotency[keyHash]
	if !exists {
		return nil, 0, ErrNotFound
	}

	// Check if the response has expired
	if time.Now().UTC().After(response.ExpiresAt) {
		delete(m.idempotency, keyHash)
		return nil, 0, ErrNotFound
	}

	responseCopy := make([]byte, len(response.ResponseBody))
	copy(responseCopy, response.ResponseBody)

	return responseCopy, response.StatusCode, nil
}

func (m *memory) Ping(context.Context) error { return nil }

func (m *memory) Close() {}
