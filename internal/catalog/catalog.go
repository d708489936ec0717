// internal/catalog/catalog.go
// Package catalog projects ledger objects and content-store metadata into the marketplace
// model. All reads are side-effect free; results may be served from the query cache except
// for the access predicate, which always asks the ledger.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/datamarket/datamarket-go/internal/cache"
	"github.com/datamarket/datamarket-go/internal/contracts"
	errordefs "github.com/datamarket/datamarket-go/internal/errors"
	"github.com/datamarket/datamarket-go/internal/ledger"
	"github.com/datamarket/datamarket-go/internal/model"
	"github.com/datamarket/datamarket-go/internal/schema"
	"github.com/datamarket/datamarket-go/internal/store"
)

// maxMetadataSize caps how much of a metadata blob is read.
const maxMetadataSize = 1 << 20

// DefaultFanout bounds concurrent reads in aggregate views.
const DefaultFanout = 8

// Catalog answers read queries against the ledger and the content store.
type Catalog struct {
	ledger    ledger.Client
	store     store.Client
	pkgs      contracts.Packages
	cache     *cache.Cache
	validator *schema.Validator
	fanout    int
}

// New creates a Catalog. A nil cache disables caching.
// Parameters:
//   - l: Ledger client
//   - s: Content store client
//   - pkgs: Deployed package and object ids
//   - c: Query cache
//   - v: Schema validator for metadata documents
// Returns:
//   - *Catalog: Initialized catalog
func New(l ledger.Client, s store.Client, pkgs contracts.Packages, c *cache.Cache, v *schema.Validator) *Catalog {
	if c == nil {
		c = cache.New(0)
	}
	return &Catalog{ledger: l, store: s, pkgs: pkgs, cache: c, validator: v, fanout: DefaultFanout}
}

// SetFanout changes the concurrency limit of aggregate reads.
func (c *Catalog) SetFanout(n int) {
	if n > 0 {
		c.fanout = n
	}
}

// Packages returns the package ids the catalog reads from.
func (c *Catalog) Packages() contracts.Packages { return c.pkgs }

// GetProfileByOwner returns the profile owned by address.
// A new user has no profile: that is reported as (nil, nil), not as an error.
func (c *Catalog) GetProfileByOwner(ctx context.Context, address string) (*model.Profile, error) {
	key := cache.PrefixProfile + address
	if p, ok := cache.Lookup[model.Profile](c.cache, key); ok {
		return &p, nil
	}
	objs, err := c.ledger.GetOwnedObjects(ctx, address, c.pkgs.ProfileType())
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, nil
	}
	p, err := ParseProfile(objs[0])
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, p)
	return &p, nil
}

// GetRecordByID returns one dataset record. Unknown ids, and ids of objects that are not
// dataset records, yield MKT_NOT_FOUND.
func (c *Catalog) GetRecordByID(ctx context.Context, id string) (*model.DatasetRecord, error) {
	key := cache.PrefixRecord + id
	if r, ok := cache.Lookup[model.DatasetRecord](c.cache, key); ok {
		return &r, nil
	}
	obj, err := c.ledger.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}
	if obj.Type != c.pkgs.DatasetType() {
		return nil, errordefs.Errorf(errordefs.MKT_NOT_FOUND, "dataset %s not found", id)
	}
	r, err := ParseDataset(*obj)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, r)
	return &r, nil
}

// GetRecordsByOwner lists the dataset records held by address. Records that fail to
// parse are logged and left out.
func (c *Catalog) GetRecordsByOwner(ctx context.Context, address string) ([]model.DatasetRecord, error) {
	key := cache.PrefixOwned + address
	if rs, ok := cache.Lookup[[]model.DatasetRecord](c.cache, key); ok {
		return slices.Clone(rs), nil
	}
	objs, err := c.ledger.GetOwnedObjects(ctx, address, c.pkgs.DatasetType())
	if err != nil {
		return nil, err
	}
	out := make([]model.DatasetRecord, 0, len(objs))
	for _, obj := range objs {
		r, err := ParseDataset(obj)
		if err != nil {
			slog.Warn("skipping malformed dataset record", "id", obj.ID, "error", err)
			continue
		}
		out = append(out, r)
	}
	c.cache.Set(key, slices.Clone(out))
	return out, nil
}

// GetListing reads one listing straight from the ledger.
func (c *Catalog) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	obj, err := c.ledger.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}
	if obj.Type != c.pkgs.ListingType() {
		return nil, errordefs.Errorf(errordefs.MKT_NOT_FOUND, "listing %s not found", id)
	}
	l, err := ParseListing(*obj)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetAllListings walks the marketplace's dynamic fields and reads every listing.
// Listings that could not be read are returned as failures instead of being dropped,
// so an empty marketplace can be told apart from a failed fetch.
// Returns:
//   - []model.Listing: Listings that were read, in registry order
//   - []model.FetchFailure: One entry per listing that could not be read
//   - error: Failure to enumerate the registry itself
func (c *Catalog) GetAllListings(ctx context.Context) ([]model.Listing, []model.FetchFailure, error) {
	if ls, ok := cache.Lookup[[]model.Listing](c.cache, cache.KeyListings); ok {
		return slices.Clone(ls), nil, nil
	}
	fields, err := c.ledger.GetDynamicFields(ctx, c.pkgs.Marketplace)
	if err != nil {
		return nil, nil, err
	}

	results := make([]*model.Listing, len(fields))
	failures := newFailures()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanout)
	for i, f := range fields {
		g.Go(func() error {
			l, err := c.GetListing(gctx, f.ObjectID)
			if err != nil {
				failures.add(f.ObjectID, err)
				return nil
			}
			results[i] = l
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.Listing, 0, len(results))
	for _, l := range results {
		if l != nil {
			out = append(out, *l)
		}
	}
	if failures.empty() {
		c.cache.Set(cache.KeyListings, slices.Clone(out))
	}
	return out, failures.list(), nil
}

// FindListingForDataset returns the open listing of a dataset, or nil if it is not for sale.
func (c *Catalog) FindListingForDataset(ctx context.Context, datasetID string) (*model.Listing, error) {
	key := cache.PrefixForSale + datasetID
	if l, ok := cache.Lookup[model.Listing](c.cache, key); ok {
		return &l, nil
	}
	listings, failures, err := c.GetAllListings(ctx)
	if err != nil {
		return nil, err
	}
	for _, l := range listings {
		if l.DatasetID == datasetID {
			c.cache.Set(key, l)
			return &l, nil
		}
	}
	if len(failures) > 0 {
		return nil, errordefs.NewWithDetails(errordefs.MKT_NETWORK,
			"could not read every listing", "", failures)
	}
	return nil, nil
}

// GetMetadata downloads, validates and decodes a metadata blob. Metadata written with a
// schema version this build does not know is rejected with MKT_SCHEMA_MISMATCH.
func (c *Catalog) GetMetadata(ctx context.Context, blobID string) (*model.DatasetMetadata, error) {
	key := cache.PrefixMetadata + blobID
	if m, ok := cache.Lookup[model.DatasetMetadata](c.cache, key); ok {
		return &m, nil
	}
	rc, err := c.store.Download(ctx, blobID)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(io.LimitReader(rc, maxMetadataSize+1))
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_STORE_UNAVAILABLE, err, "read metadata "+blobID)
	}
	if len(raw) > maxMetadataSize {
		return nil, errordefs.Errorf(errordefs.MKT_SCHEMA_MISMATCH, "metadata %s exceeds %d bytes", blobID, maxMetadataSize)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_SCHEMA_MISMATCH, err, "metadata "+blobID+" is not a JSON object")
	}
	version, _ := doc["version"].(string)
	if c.validator != nil {
		if err := c.validator.Validate(schema.DatasetMetadata, version, doc); err != nil {
			if errors.Is(err, schema.ErrUnknownVersion) {
				return nil, errordefs.Wrap(errordefs.MKT_SCHEMA_MISMATCH, err, "metadata "+blobID+" has unsupported version "+version)
			}
			return nil, errordefs.Wrap(errordefs.MKT_SCHEMA_MISMATCH, err, "metadata "+blobID+" is invalid")
		}
	}
	var m model.DatasetMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_SCHEMA_MISMATCH, err, "decode metadata "+blobID)
	}
	c.cache.Set(key, m)
	return &m, nil
}

// MarketplaceDatasets joins every open listing with its record and metadata.
// Records are fetched concurrently. A listing whose record cannot be read is reported in
// Failures and left out; a dataset whose metadata cannot be read is kept without metadata
// and also reported.
func (c *Catalog) MarketplaceDatasets(ctx context.Context) (*model.MarketplacePage, error) {
	listings, listFailures, err := c.GetAllListings(ctx)
	if err != nil {
		return nil, err
	}
	failures := newFailures()
	failures.merge(listFailures)

	items := make([]*model.MarketplaceDataset, len(listings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.fanout)
	for i, l := range listings {
		g.Go(func() error {
			rec, err := c.GetRecordByID(gctx, l.DatasetID)
			if err != nil {
				failures.add(l.DatasetID, err)
				return nil
			}
			item := &model.MarketplaceDataset{Record: *rec, Listing: l}
			if meta, err := c.GetMetadata(gctx, rec.MetadataBlobID); err != nil {
				failures.add(rec.MetadataBlobID, err)
			} else {
				item.Metadata = meta
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	page := &model.MarketplacePage{Datasets: make([]model.MarketplaceDataset, 0, len(items))}
	for _, it := range items {
		if it != nil {
			page.Datasets = append(page.Datasets, *it)
		}
	}
	page.Failures = failures.list()
	return page, nil
}

// DatasetDetail returns a record with its open listing, if any, and its metadata.
// Metadata is optional in the result: a missing or unreadable metadata blob is logged.
// When the listings cannot all be read the detail is returned with ListingUnknown set.
func (c *Catalog) DatasetDetail(ctx context.Context, id string) (*model.DatasetDetail, error) {
	rec, err := c.GetRecordByID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &model.DatasetDetail{Record: *rec}
	listing, err := c.FindListingForDataset(ctx, id)
	if err != nil {
		slog.Warn("dataset listing unknown", "id", id, "error", err)
		detail.ListingUnknown = true
	}
	detail.Listing = listing
	if meta, err := c.GetMetadata(ctx, rec.MetadataBlobID); err != nil {
		slog.Warn("dataset metadata unavailable", "id", id, "blobId", rec.MetadataBlobID, "error", err)
	} else {
		detail.Metadata = meta
	}
	return detail, nil
}

// ListCapabilities lists the access capabilities held by address. Malformed
// capabilities are logged and left out. Never cached.
func (c *Catalog) ListCapabilities(ctx context.Context, address string) ([]model.AccessCapability, error) {
	objs, err := c.ledger.GetOwnedObjects(ctx, address, c.pkgs.AccessCapType())
	if err != nil {
		return nil, err
	}
	out := make([]model.AccessCapability, 0, len(objs))
	for _, obj := range objs {
		cp, err := ParseCapability(obj)
		if err != nil {
			slog.Warn("skipping malformed access capability", "id", obj.ID, "error", err)
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// OwnsCapabilityFor reports whether address holds an access capability for datasetID.
// It is the only download authorization check and always queries the ledger; a query
// failure is returned as an error, never as false or true.
func (c *Catalog) OwnsCapabilityFor(ctx context.Context, address, datasetID string) (bool, error) {
	caps, err := c.ListCapabilities(ctx, address)
	if err != nil {
		return false, err
	}
	for _, cp := range caps {
		if cp.DatasetID == datasetID {
			return true, nil
		}
	}
	return false, nil
}

// InvalidateDataset drops every cached projection touching a dataset.
func (c *Catalog) InvalidateDataset(datasetID string) {
	c.cache.Invalidate(cache.PrefixRecord+datasetID, cache.PrefixForSale+datasetID, cache.KeyListings)
}

// InvalidateAccount drops the cached profile and owned records of an address.
func (c *Catalog) InvalidateAccount(address string) {
	c.cache.Invalidate(cache.PrefixProfile+address, cache.PrefixOwned+address)
}

// failures collects per-item errors from concurrent reads.
type failures struct {
	mu    sync.Mutex
	items []model.FetchFailure
}

func newFailures() *failures { return &failures{} }

func (f *failures) add(ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, model.FetchFailure{Ref: ref, Error: err.Error()})
}

func (f *failures) merge(in []model.FetchFailure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, in...)
}

func (f *failures) empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items) == 0
}

func (f *failures) list() []model.FetchFailure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.FetchFailure(nil), f.items...)
}
