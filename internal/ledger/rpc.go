// internal/ledger/rpc.go
// JSON-RPC implementation of Client for a Sui full node.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/datamarket/datamarket-go/internal/contracts"
	errordefs "github.com/datamarket/datamarket-go/internal/errors"
	"github.com/datamarket/datamarket-go/internal/metrics"
)

// pageSize is the page size requested from paginated RPC methods.
const pageSize = 50

// RPCConfig configures the JSON-RPC client.
type RPCConfig struct {
	URL               string        // Full node JSON-RPC endpoint
	Timeout           time.Duration // Per-request timeout
	RequestsPerSecond float64       // Client-side rate limit, zero disables it
	GasBudget         uint64        // Gas budget attached to every transaction, in MIST
}

// RPC is a Client backed by a full node's JSON-RPC API.
type RPC struct {
	client    *resty.Client
	url       string
	gasBudget uint64
	metrics   *metrics.Metrics
	nextID    atomic.Int64
}

// NewRPC creates a JSON-RPC ledger client.
// Parameters:
//   - cfg: Endpoint, timeout, rate limit and gas budget
// Returns:
//   - *RPC: Initialized client
func NewRPC(cfg RPCConfig) *RPC {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &RPC{
		url:       cfg.URL,
		gasBudget: cfg.GasBudget,
		metrics:   metrics.NewMetrics(),
	}
	c.client = resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "datamarket/marketd")

	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
		c.client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			return limiter.Wait(r.Context())
		})
	}
	return c
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request and decodes the result into out.
// Transport failures and non-2xx statuses are network errors; JSON-RPC errors are
// returned as *rpcError so callers can classify them.
func (c *RPC) call(ctx context.Context, method string, out interface{}, params ...interface{}) (err error) {
	started := time.Now()
	defer func() { c.metrics.ObserveLedgerCall(method, started, err) }()

	var resp rpcResponse
	r, err := c.client.R().
		SetContext(ctx).
		SetBody(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}).
		SetResult(&resp).
		Post(c.url)
	if err != nil {
		return errordefs.Wrap(errordefs.MKT_NETWORK, err, "ledger unreachable")
	}
	if r.IsError() {
		if r.StatusCode() == 429 {
			return errordefs.Errorf(errordefs.MKT_RATE_LIMIT, "ledger rate limited: %s", r.Status())
		}
		return errordefs.Errorf(errordefs.MKT_NETWORK, "ledger returned %s", r.Status())
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return errordefs.Wrap(errordefs.MKT_SCHEMA_MISMATCH, err, "unexpected "+method+" response")
	}
	return nil
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// readError converts a JSON-RPC error on a read path into a network error.
func readError(method string, err error) error {
	if _, ok := err.(*rpcError); ok {
		return errordefs.Wrap(errordefs.MKT_NETWORK, err, method+" failed")
	}
	return err
}

type suiObjectResponse struct {
	Data  *suiObjectData `json:"data"`
	Error *struct {
		Code     string `json:"code"`
		ObjectID string `json:"object_id"`
	} `json:"error"`
}

type suiObjectData struct {
	ObjectID string          `json:"objectId"`
	Version  string          `json:"version"`
	Type     string          `json:"type"`
	Owner    json.RawMessage `json:"owner"`
	Content  *struct {
		DataType string                 `json:"dataType"`
		Type     string                 `json:"type"`
		Fields   map[string]interface{} `json:"fields"`
	} `json:"content"`
}

func (d *suiObjectData) toObject() Object {
	obj := Object{ID: d.ObjectID, Type: d.Type, Owner: parseOwner(d.Owner)}
	obj.Version, _ = strconv.ParseUint(d.Version, 10, 64)
	if d.Content != nil {
		obj.Fields = d.Content.Fields
		if obj.Type == "" {
			obj.Type = d.Content.Type
		}
	}
	if obj.Fields == nil {
		obj.Fields = map[string]interface{}{}
	}
	return obj
}

// parseOwner extracts the owning address; shared and immutable objects have none.
func parseOwner(raw json.RawMessage) string {
	var owner struct {
		AddressOwner string `json:"AddressOwner"`
		ObjectOwner  string `json:"ObjectOwner"`
	}
	if err := json.Unmarshal(raw, &owner); err != nil {
		return ""
	}
	if owner.AddressOwner != "" {
		return owner.AddressOwner
	}
	return owner.ObjectOwner
}

var contentOptions = map[string]interface{}{
	"showType":    true,
	"showOwner":   true,
	"showContent": true,
}

// GetOwnedObjects lists objects of structType owned by owner, following every page.
func (c *RPC) GetOwnedObjects(ctx context.Context, owner, structType string) ([]Object, error) {
	query := map[string]interface{}{
		"filter":  map[string]interface{}{"StructType": structType},
		"options": contentOptions,
	}
	var (
		out    []Object
		cursor interface{}
	)
	for {
		var page struct {
			Data        []suiObjectResponse `json:"data"`
			NextCursor  *string             `json:"nextCursor"`
			HasNextPage bool                `json:"hasNextPage"`
		}
		if err := c.call(ctx, "suix_getOwnedObjects", &page, owner, query, cursor, pageSize); err != nil {
			return nil, readError("suix_getOwnedObjects", err)
		}
		for _, item := range page.Data {
			if item.Data != nil {
				out = append(out, item.Data.toObject())
			}
		}
		if !page.HasNextPage || page.NextCursor == nil {
			return out, nil
		}
		cursor = *page.NextCursor
	}
}

// GetObject reads one object. Deleted or unknown ids yield MKT_NOT_FOUND.
func (c *RPC) GetObject(ctx context.Context, id string) (*Object, error) {
	var resp suiObjectResponse
	if err := c.call(ctx, "sui_getObject", &resp, id, contentOptions); err != nil {
		return nil, readError("sui_getObject", err)
	}
	if resp.Error != nil || resp.Data == nil {
		return nil, errordefs.Errorf(errordefs.MKT_NOT_FOUND, "object %s not found", id)
	}
	obj := resp.Data.toObject()
	return &obj, nil
}

// GetBalance returns the total balance of coinType held by owner.
func (c *RPC) GetBalance(ctx context.Context, owner, coinType string) (uint64, error) {
	var resp struct {
		TotalBalance string `json:"totalBalance"`
	}
	if err := c.call(ctx, "suix_getBalance", &resp, owner, coinType); err != nil {
		return 0, readError("suix_getBalance", err)
	}
	balance, err := strconv.ParseUint(resp.TotalBalance, 10, 64)
	if err != nil {
		return 0, errordefs.Wrap(errordefs.MKT_SCHEMA_MISMATCH, err, "unexpected balance "+resp.TotalBalance)
	}
	return balance, nil
}

// ListCoins lists owner's coins of coinType in ledger order.
func (c *RPC) ListCoins(ctx context.Context, owner, coinType string) ([]Coin, error) {
	var (
		out    []Coin
		cursor interface{}
	)
	for {
		var page struct {
			Data []struct {
				CoinObjectID string `json:"coinObjectId"`
				Balance      string `json:"balance"`
			} `json:"data"`
			NextCursor  *string `json:"nextCursor"`
			HasNextPage bool    `json:"hasNextPage"`
		}
		if err := c.call(ctx, "suix_getCoins", &page, owner, coinType, cursor, pageSize); err != nil {
			return nil, readError("suix_getCoins", err)
		}
		for _, coin := range page.Data {
			balance, err := strconv.ParseUint(coin.Balance, 10, 64)
			if err != nil {
				return nil, errordefs.Wrap(errordefs.MKT_SCHEMA_MISMATCH, err, "unexpected coin balance "+coin.Balance)
			}
			out = append(out, Coin{ID: coin.CoinObjectID, Balance: balance})
		}
		if !page.HasNextPage || page.NextCursor == nil {
			return out, nil
		}
		cursor = *page.NextCursor
	}
}

// GetDynamicFields lists every dynamic field of parentID, following every page.
func (c *RPC) GetDynamicFields(ctx context.Context, parentID string) ([]FieldRef, error) {
	var (
		out    []FieldRef
		cursor interface{}
	)
	for {
		var page struct {
			Data []struct {
				Name struct {
					Type  string      `json:"type"`
					Value interface{} `json:"value"`
				} `json:"name"`
				ObjectType string `json:"objectType"`
				ObjectID   string `json:"objectId"`
			} `json:"data"`
			NextCursor  *string `json:"nextCursor"`
			HasNextPage bool    `json:"hasNextPage"`
		}
		if err := c.call(ctx, "suix_getDynamicFields", &page, parentID, cursor, pageSize); err != nil {
			return nil, readError("suix_getDynamicFields", err)
		}
		for _, f := range page.Data {
			out = append(out, FieldRef{
				Name:       fmt.Sprint(f.Name.Value),
				ObjectID:   f.ObjectID,
				ObjectType: f.ObjectType,
			})
		}
		if !page.HasNextPage || page.NextCursor == nil {
			return out, nil
		}
		cursor = *page.NextCursor
	}
}

// SubmitTransaction builds call on the node, signs the returned bytes and executes them.
// Parameters:
//   - ctx: Context for the operation
//   - signer: Wallet signing on behalf of the sender
//   - call: Move call to execute
// Returns:
//   - *TxResult: Digest and created objects once the transaction executed successfully
//   - error: MKT_USER_REJECTED, MKT_INSUFFICIENT_GAS, MKT_EXECUTION or a network error
func (c *RPC) SubmitTransaction(ctx context.Context, signer Signer, call contracts.Call) (*TxResult, error) {
	ctx, span := otel.Tracer("marketd").Start(ctx, "ledger.SubmitTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.target", call.Target()))

	typeArgs := call.TypeArgs
	if typeArgs == nil {
		typeArgs = []string{}
	}
	var built struct {
		TxBytes string `json:"txBytes"`
	}
	err := c.call(ctx, "unsafe_moveCall", &built,
		signer.Address(), call.Package, call.Module, call.Function,
		typeArgs, call.RPCArgs(), nil, strconv.FormatUint(c.gasBudget, 10))
	if err != nil {
		return nil, submitError(err)
	}

	sig, err := signer.SignTransaction(ctx, built.TxBytes)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_USER_REJECTED, err, "transaction was not signed")
	}

	var executed struct {
		Digest  string `json:"digest"`
		Effects struct {
			Status struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			} `json:"status"`
		} `json:"effects"`
		ObjectChanges []struct {
			Type       string `json:"type"`
			ObjectType string `json:"objectType"`
			ObjectID   string `json:"objectId"`
		} `json:"objectChanges"`
	}
	options := map[string]interface{}{"showEffects": true, "showObjectChanges": true}
	err = c.call(ctx, "sui_executeTransactionBlock", &executed,
		built.TxBytes, []string{sig}, options, "WaitForLocalExecution")
	if err != nil {
		return nil, submitError(err)
	}
	if executed.Effects.Status.Status != "success" {
		slog.Warn("transaction failed", "target", call.Target(), "digest", executed.Digest,
			"error", executed.Effects.Status.Error)
		return nil, executionError(executed.Effects.Status.Error)
	}

	res := &TxResult{Digest: executed.Digest}
	for _, ch := range executed.ObjectChanges {
		if ch.Type == "created" {
			res.Created = append(res.Created, ObjectRef{ID: ch.ObjectID, Type: ch.ObjectType})
		}
	}
	span.SetAttributes(attribute.String("ledger.digest", res.Digest))
	slog.Info("transaction executed", "target", call.Target(), "digest", res.Digest, "created", len(res.Created))
	return res, nil
}

// submitError classifies a JSON-RPC error raised while building or executing a transaction.
func submitError(err error) error {
	if rerr, ok := err.(*rpcError); ok {
		return executionError(rerr.Message)
	}
	return err
}

// executionError keeps the ledger's message verbatim.
func executionError(msg string) error {
	if msg == "" {
		msg = "transaction failed"
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "insufficientgas") || strings.Contains(lower, "insufficient gas") ||
		strings.Contains(lower, "gasbalancetoolow") {
		return errordefs.New(errordefs.MKT_INSUFFICIENT_GAS, msg, "")
	}
	return errordefs.New(errordefs.MKT_EXECUTION, msg, "")
}
