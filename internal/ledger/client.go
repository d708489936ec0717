// internal/ledger/client.go
// Package ledger talks to the external ledger: it submits signed Move calls and reads
// objects, balances, coins and dynamic fields. Object contents are returned as raw field
// maps; turning them into typed records is the caller's job.
package ledger

import (
	"context"
	"strings"

	"github.com/datamarket/datamarket-go/internal/contracts"
)

// Signer produces signatures for transaction bytes on behalf of one address.
type Signer interface {
	Address() string
	SignTransaction(ctx context.Context, txBytes string) (string, error)
}

// Object is a ledger object with its Move fields left untyped.
type Object struct {
	ID      string                 `json:"id"`      // Object id
	Type    string                 `json:"type"`    // Fully qualified struct type
	Owner   string                 `json:"owner"`   // Address owner, empty for shared objects
	Version uint64                 `json:"version"` // Object version
	Fields  map[string]interface{} `json:"fields"`  // Move struct fields
}

// Coin is one payment object and its balance in MIST.
type Coin struct {
	ID      string `json:"id"`
	Balance uint64 `json:"balance"`
}

// FieldRef references one dynamic field of a parent object.
type FieldRef struct {
	Name       string `json:"name"`       // Field name rendered as a string
	ObjectID   string `json:"objectId"`   // Object stored under the field
	ObjectType string `json:"objectType"` // Struct type of that object
}

// ObjectRef references an object created by a transaction.
type ObjectRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// TxResult is the confirmed outcome of a transaction.
type TxResult struct {
	Digest  string      `json:"digest"`
	Created []ObjectRef `json:"created"`
}

// CreatedOfType returns the id of the first created object whose type is structType.
// Generic instantiations such as structType<T> also match.
func (r *TxResult) CreatedOfType(structType string) (string, bool) {
	for _, ref := range r.Created {
		if ref.Type == structType || strings.HasPrefix(ref.Type, structType+"<") {
			return ref.ID, true
		}
	}
	return "", false
}

// Client is the ledger surface the marketplace needs.
//
// Errors are coded: MKT_NETWORK when the ledger cannot be reached, MKT_NOT_FOUND for absent
// objects, and MKT_USER_REJECTED, MKT_INSUFFICIENT_GAS or MKT_EXECUTION for submissions the
// signer or the ledger refused. Execution errors carry the ledger's message verbatim.
type Client interface {
	// SubmitTransaction signs call with signer, executes it and waits for local execution.
	SubmitTransaction(ctx context.Context, signer Signer, call contracts.Call) (*TxResult, error)
	// GetOwnedObjects lists objects of structType owned by owner.
	GetOwnedObjects(ctx context.Context, owner, structType string) ([]Object, error)
	// GetObject reads one object.
	GetObject(ctx context.Context, id string) (*Object, error)
	// GetBalance returns the total balance of coinType held by owner.
	GetBalance(ctx context.Context, owner, coinType string) (uint64, error)
	// ListCoins lists the payment objects of coinType held by owner.
	ListCoins(ctx context.Context, owner, coinType string) ([]Coin, error)
	// GetDynamicFields lists every dynamic field of parentID.
	GetDynamicFields(ctx context.Context, parentID string) ([]FieldRef, error)
}
