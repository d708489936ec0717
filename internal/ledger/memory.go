// internal/ledger/memory.go
// In-memory ledger used by the fixture data source and by tests.
// It executes the marketplace Move calls against a local object table with the same
// aborts and side effects as the deployed packages.
package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/datamarket/datamarket-go/internal/contracts"
	errordefs "github.com/datamarket/datamarket-go/internal/errors"
)

// Memory is an in-process Client. Fields hold u64 values as decimal strings, the way
// the JSON-RPC API renders them.
type Memory struct {
	mu sync.Mutex

	pkgs   contracts.Packages
	feeBps uint64
	now    func() time.Time

	seq       uint64
	objects   map[string]*Object
	order     []string              // object ids in creation order
	fields    map[string][]FieldRef // parent id -> dynamic fields
	usernames map[string]string     // username -> profile id
	listings  map[string]string     // dataset id -> listing id

	unavailable bool
	submitted   []contracts.Call
}

// NewMemory creates an empty in-memory ledger for the given packages.
// feeBps is the platform fee withheld from sellers, in basis points.
func NewMemory(pkgs contracts.Packages, feeBps uint64) *Memory {
	m := &Memory{
		pkgs:      pkgs,
		feeBps:    feeBps,
		now:       time.Now,
		objects:   make(map[string]*Object),
		fields:    make(map[string][]FieldRef),
		usernames: make(map[string]string),
		listings:  make(map[string]string),
	}
	m.objects[pkgs.Marketplace] = &Object{ID: pkgs.Marketplace, Type: pkgs.MarketplacePackage + "::marketplace::Marketplace", Fields: map[string]interface{}{}}
	m.objects[pkgs.ProfileRegistry] = &Object{ID: pkgs.ProfileRegistry, Type: pkgs.ProfilePackage + "::profile::ProfileRegistry", Fields: map[string]interface{}{}}
	return m
}

// SetClock overrides the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetUnavailable makes every call fail with a network error until reset.
func (m *Memory) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = unavailable
}

// Fund mints one coin per amount for owner and returns the coin ids.
func (m *Memory) Fund(owner string, amounts ...uint64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(amounts))
	for _, a := range amounts {
		ids = append(ids, m.newCoin(owner, a))
	}
	return ids
}

// Put inserts or replaces a raw object. Used to seed records the packages could not produce.
func (m *Memory) Put(obj Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[obj.ID]; !ok {
		m.order = append(m.order, obj.ID)
	}
	cp := obj
	cp.Fields = copyFields(obj.Fields)
	m.objects[obj.ID] = &cp
}

// Submitted returns the calls that reached SubmitTransaction, in order.
func (m *Memory) Submitted() []contracts.Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contracts.Call(nil), m.submitted...)
}

func (m *Memory) checkAvailable() error {
	if m.unavailable {
		return errordefs.New(errordefs.MKT_NETWORK, "ledger unreachable", "")
	}
	return nil
}

// GetOwnedObjects lists objects of structType owned by owner, in creation order.
func (m *Memory) GetOwnedObjects(ctx context.Context, owner, structType string) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}
	var out []Object
	for _, id := range m.order {
		obj, ok := m.objects[id]
		if !ok || obj.Owner != owner || obj.Type != structType {
			continue
		}
		out = append(out, obj.clone())
	}
	return out, nil
}

// GetObject reads one object.
func (m *Memory) GetObject(ctx context.Context, id string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}
	obj, ok := m.objects[id]
	if !ok {
		return nil, errordefs.Errorf(errordefs.MKT_NOT_FOUND, "object %s not found", id)
	}
	cp := obj.clone()
	return &cp, nil
}

// GetBalance sums owner's coins.
func (m *Memory) GetBalance(ctx context.Context, owner, coinType string) (uint64, error) {
	coins, err := m.ListCoins(ctx, owner, coinType)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, c := range coins {
		total += c.Balance
	}
	return total, nil
}

// ListCoins lists owner's coins in creation order.
func (m *Memory) ListCoins(ctx context.Context, owner, coinType string) ([]Coin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}
	want := coinObjectType(coinType)
	var out []Coin
	for _, id := range m.order {
		obj, ok := m.objects[id]
		if !ok || obj.Owner != owner || obj.Type != want {
			continue
		}
		out = append(out, Coin{ID: id, Balance: u64Field(obj, "balance")})
	}
	return out, nil
}

// GetDynamicFields lists the dynamic fields of parentID.
func (m *Memory) GetDynamicFields(ctx context.Context, parentID string) ([]FieldRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}
	return append([]FieldRef(nil), m.fields[parentID]...), nil
}

// SubmitTransaction signs and executes call. A failed call leaves no trace.
func (m *Memory) SubmitTransaction(ctx context.Context, signer Signer, call contracts.Call) (*TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_NETWORK, err, "submission cancelled")
	}
	payload, err := json.Marshal(call)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_INTERNAL, err, "encode call")
	}
	if _, err := signer.SignTransaction(ctx, base64.StdEncoding.EncodeToString(payload)); err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_USER_REJECTED, err, "transaction was not signed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkAvailable(); err != nil {
		return nil, err
	}
	m.submitted = append(m.submitted, call)

	tx := &txn{m: m, sender: signer.Address(), args: call.Args, digest: ulid.Make().String()}
	var execErr error
	switch call.Target() {
	case m.target(m.pkgs.ProfilePackage, contracts.ModuleProfile, "create_profile"):
		execErr = tx.createProfile()
	case m.target(m.pkgs.ProfilePackage, contracts.ModuleProfile, "update_profile"):
		execErr = tx.updateProfile()
	case m.target(m.pkgs.ProfilePackage, contracts.ModuleProfile, "update_username"):
		execErr = tx.abort("profile", "EUsernameImmutable")
	case m.target(m.pkgs.ProfilePackage, contracts.ModuleDataNFT, "mint"):
		execErr = tx.mint()
	case m.target(m.pkgs.ProfilePackage, contracts.ModuleDataNFT, "update_metadata"):
		execErr = tx.updateMetadata()
	case m.target(m.pkgs.MarketplacePackage, contracts.ModuleMarketplace, "list_nft"):
		execErr = tx.list()
	case m.target(m.pkgs.MarketplacePackage, contracts.ModuleMarketplace, "buy_nft"):
		execErr = tx.buy()
	case m.target(m.pkgs.MarketplacePackage, contracts.ModuleMarketplace, "update_price"):
		execErr = tx.updatePrice()
	case m.target(m.pkgs.MarketplacePackage, contracts.ModuleMarketplace, "cancel_listing"):
		execErr = tx.cancel()
	default:
		execErr = errordefs.Errorf(errordefs.MKT_EXECUTION, "function %s not found", call.Target())
	}
	if execErr != nil {
		tx.rollback()
		return nil, execErr
	}
	return &TxResult{Digest: tx.digest, Created: tx.created}, nil
}

func (m *Memory) target(pkg, module, fn string) string {
	return contracts.Call{Package: pkg, Module: module, Function: fn}.Target()
}

func (m *Memory) nextID() string {
	m.seq++
	return fmt.Sprintf("0x%064x", m.seq)
}

func (m *Memory) insert(obj *Object) {
	m.objects[obj.ID] = obj
	m.order = append(m.order, obj.ID)
}

func (m *Memory) newCoin(owner string, balance uint64) string {
	id := m.nextID()
	m.insert(&Object{
		ID:     id,
		Type:   coinObjectType(contracts.CoinType),
		Owner:  owner,
		Fields: map[string]interface{}{"id": id, "balance": strconv.FormatUint(balance, 10)},
	})
	return id
}

func (m *Memory) millis() string {
	return strconv.FormatInt(m.now().UnixMilli(), 10)
}

func coinObjectType(coinType string) string { return "0x2::coin::Coin<" + coinType + ">" }

func (o *Object) clone() Object {
	cp := *o
	cp.Fields = copyFields(o.Fields)
	return cp
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func u64Field(obj *Object, key string) uint64 {
	s, _ := obj.Fields[key].(string)
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func strField(obj *Object, key string) string {
	s, _ := obj.Fields[key].(string)
	return s
}

// txn executes one call. Every object it is about to mutate is snapshotted first so a
// later abort can restore the table.
type txn struct {
	m       *Memory
	sender  string
	args    []contracts.Arg
	digest  string
	created []ObjectRef

	saved     map[string]*Object
	savedSeq  uint64
	savedLen  int
	snapTaken bool
	savedFld  map[string][]FieldRef
	savedLst  map[string]string
	savedUsr  map[string]string
}

func (t *txn) snapshot() {
	if t.snapTaken {
		return
	}
	t.snapTaken = true
	t.saved = make(map[string]*Object)
	t.savedSeq = t.m.seq
	t.savedLen = len(t.m.order)
	t.savedFld = make(map[string][]FieldRef, len(t.m.fields))
	for k, v := range t.m.fields {
		t.savedFld[k] = append([]FieldRef(nil), v...)
	}
	t.savedLst = make(map[string]string, len(t.m.listings))
	for k, v := range t.m.listings {
		t.savedLst[k] = v
	}
	t.savedUsr = make(map[string]string, len(t.m.usernames))
	for k, v := range t.m.usernames {
		t.savedUsr[k] = v
	}
}

// touch returns a mutable object after saving its prior state.
func (t *txn) touch(id string) *Object {
	t.snapshot()
	obj := t.m.objects[id]
	if _, ok := t.saved[id]; !ok {
		cp := obj.clone()
		t.saved[id] = &cp
	}
	return obj
}

func (t *txn) rollback() {
	if !t.snapTaken {
		return
	}
	for _, id := range t.m.order[t.savedLen:] {
		delete(t.m.objects, id)
	}
	t.m.order = t.m.order[:t.savedLen]
	for id, obj := range t.saved {
		t.m.objects[id] = obj
	}
	t.m.seq = t.savedSeq
	t.m.fields = t.savedFld
	t.m.listings = t.savedLst
	t.m.usernames = t.savedUsr
}

func (t *txn) create(typ, owner string, fields map[string]interface{}) string {
	t.snapshot()
	id := t.m.nextID()
	fields["id"] = id
	t.m.insert(&Object{ID: id, Type: typ, Owner: owner, Fields: fields})
	t.created = append(t.created, ObjectRef{ID: id, Type: typ})
	return id
}

func (t *txn) abort(module, code string) error {
	return errordefs.Errorf(errordefs.MKT_EXECUTION, "MoveAbort in %s: %s", module, code)
}

func (t *txn) argObject(i int) (string, error) {
	if i >= len(t.args) || t.args[i].Kind != contracts.ArgObject {
		return "", errordefs.Errorf(errordefs.MKT_EXECUTION, "argument %d: expected object", i)
	}
	return t.args[i].ID, nil
}

func (t *txn) argString(i int) (string, error) {
	if i >= len(t.args) || t.args[i].Kind != contracts.ArgString {
		return "", errordefs.Errorf(errordefs.MKT_EXECUTION, "argument %d: expected string", i)
	}
	return t.args[i].Text, nil
}

func (t *txn) argU64(i int) (uint64, error) {
	if i >= len(t.args) || t.args[i].Kind != contracts.ArgU64 {
		return 0, errordefs.Errorf(errordefs.MKT_EXECUTION, "argument %d: expected u64", i)
	}
	return t.args[i].Value, nil
}

// strings reads consecutive string arguments starting at from.
func (t *txn) strings(from, n int) ([]string, error) {
	out := make([]string, n)
	for i := range out {
		s, err := t.argString(from + i)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// object resolves an object argument of the expected type.
func (t *txn) object(i int, typ string) (*Object, error) {
	id, err := t.argObject(i)
	if err != nil {
		return nil, err
	}
	obj, ok := t.m.objects[id]
	if !ok {
		return nil, errordefs.Errorf(errordefs.MKT_EXECUTION, "object %s does not exist", id)
	}
	if typ != "" && obj.Type != typ {
		return nil, errordefs.Errorf(errordefs.MKT_EXECUTION, "object %s has type %s, expected %s", id, obj.Type, typ)
	}
	return obj, nil
}

func (t *txn) profileOf(owner string) (*Object, bool) {
	for _, id := range t.m.order {
		obj := t.m.objects[id]
		if obj != nil && obj.Type == t.m.pkgs.ProfileType() && obj.Owner == owner {
			return obj, true
		}
	}
	return nil, false
}

func (t *txn) createProfile() error {
	if _, err := t.object(0, ""); err != nil {
		return err
	}
	if id, _ := t.argObject(0); id != t.m.pkgs.ProfileRegistry {
		return t.abort("profile", "EInvalidRegistry")
	}
	s, err := t.strings(1, 3)
	if err != nil {
		return err
	}
	username, bio, avatar := s[0], s[1], s[2]
	if _, ok := t.profileOf(t.sender); ok {
		return t.abort("profile", "EProfileExists")
	}
	if _, taken := t.m.usernames[username]; taken {
		return t.abort("profile", "EUsernameTaken")
	}
	now := t.m.millis()
	id := t.create(t.m.pkgs.ProfileType(), t.sender, map[string]interface{}{
		"owner":              t.sender,
		"username":           username,
		"bio":                bio,
		"avatar_blob_id":     avatar,
		"verification_level": "0",
		"twitter":            "",
		"github":             "",
		"website":            "",
		"total_datasets":     "0",
		"total_sales":        "0",
		"total_revenue":      "0",
		"rating_sum":         "0",
		"rating_count":       "0",
		"created_at":         now,
		"updated_at":         now,
	})
	t.m.usernames[username] = id
	return nil
}

func (t *txn) updateProfile() error {
	obj, err := t.object(0, t.m.pkgs.ProfileType())
	if err != nil {
		return err
	}
	if obj.Owner != t.sender {
		return t.abort("profile", "ENotOwner")
	}
	s, err := t.strings(1, 5)
	if err != nil {
		return err
	}
	p := t.touch(obj.ID)
	p.Fields["bio"] = s[0]
	p.Fields["avatar_blob_id"] = s[1]
	p.Fields["twitter"] = s[2]
	p.Fields["github"] = s[3]
	p.Fields["website"] = s[4]
	p.Fields["updated_at"] = t.m.millis()
	return nil
}

func (t *txn) mint() error {
	profile, err := t.object(0, t.m.pkgs.ProfileType())
	if err != nil {
		return err
	}
	if profile.Owner != t.sender {
		return t.abort("data_nft", "ENotProfileOwner")
	}
	s, err := t.strings(1, 6)
	if err != nil {
		return err
	}
	size, err := t.argU64(7)
	if err != nil {
		return err
	}
	hash, err := t.argString(8)
	if err != nil {
		return err
	}
	now := t.m.millis()
	t.create(t.m.pkgs.DatasetType(), t.sender, map[string]interface{}{
		"creator":           t.sender,
		"metadata_blob_id":  s[0],
		"data_blob_id":      s[1],
		"title":             s[2],
		"description":       s[3],
		"category":          s[4],
		"file_type":         s[5],
		"file_size":         strconv.FormatUint(size, 10),
		"verified":          false,
		"verification_hash": hash,
		"created_at":        now,
		"updated_at":        now,
		"view_count":        "0",
		"download_count":    "0",
	})
	p := t.touch(profile.ID)
	p.Fields["total_datasets"] = strconv.FormatUint(u64Field(p, "total_datasets")+1, 10)
	return nil
}

func (t *txn) updateMetadata() error {
	nft, err := t.object(0, t.m.pkgs.DatasetType())
	if err != nil {
		return err
	}
	if nft.Owner != t.sender || strField(nft, "creator") != t.sender {
		return t.abort("data_nft", "ENotCreator")
	}
	s, err := t.strings(1, 3)
	if err != nil {
		return err
	}
	n := t.touch(nft.ID)
	n.Fields["metadata_blob_id"] = s[0]
	n.Fields["title"] = s[1]
	n.Fields["description"] = s[2]
	n.Fields["updated_at"] = t.m.millis()
	return nil
}

func (t *txn) marketplace() error {
	id, err := t.argObject(0)
	if err != nil {
		return err
	}
	if id != t.m.pkgs.Marketplace {
		return t.abort("marketplace", "EInvalidMarketplace")
	}
	return nil
}

func (t *txn) list() error {
	if err := t.marketplace(); err != nil {
		return err
	}
	nft, err := t.object(1, t.m.pkgs.DatasetType())
	if err != nil {
		return err
	}
	price, err := t.argU64(2)
	if err != nil {
		return err
	}
	if nft.Owner != t.sender {
		return t.abort("marketplace", "ENotOwner")
	}
	if price == 0 {
		return t.abort("marketplace", "EInvalidPrice")
	}
	if _, listed := t.m.listings[nft.ID]; listed {
		return t.abort("marketplace", "EAlreadyListed")
	}
	listingID := t.create(t.m.pkgs.ListingType(), "", map[string]interface{}{
		"nft_id":    nft.ID,
		"seller":    t.sender,
		"price":     strconv.FormatUint(price, 10),
		"listed_at": t.m.millis(),
	})
	t.touch(nft.ID).Owner = listingID
	t.m.listings[nft.ID] = listingID
	t.m.fields[t.m.pkgs.Marketplace] = append(t.m.fields[t.m.pkgs.Marketplace], FieldRef{
		Name:       nft.ID,
		ObjectID:   listingID,
		ObjectType: t.m.pkgs.ListingType(),
	})
	return nil
}

func (t *txn) removeListing(listing *Object) {
	nftID := strField(listing, "nft_id")
	delete(t.m.listings, nftID)
	var kept []FieldRef
	for _, f := range t.m.fields[t.m.pkgs.Marketplace] {
		if f.ObjectID != listing.ID {
			kept = append(kept, f)
		}
	}
	t.m.fields[t.m.pkgs.Marketplace] = kept
	t.touch(listing.ID)
	delete(t.m.objects, listing.ID)
}

func (t *txn) buy() error {
	if err := t.marketplace(); err != nil {
		return err
	}
	listing, err := t.object(1, t.m.pkgs.ListingType())
	if err != nil {
		return err
	}
	nft, err := t.object(2, t.m.pkgs.DatasetType())
	if err != nil {
		return err
	}
	sellerProfile, err := t.object(3, t.m.pkgs.ProfileType())
	if err != nil {
		return err
	}
	coin, err := t.object(4, coinObjectType(contracts.CoinType))
	if err != nil {
		return err
	}
	seller := strField(listing, "seller")
	price := u64Field(listing, "price")
	switch {
	case strField(listing, "nft_id") != nft.ID:
		return t.abort("marketplace", "ENFTMismatch")
	case sellerProfile.Owner != seller:
		return t.abort("marketplace", "ESellerMismatch")
	case coin.Owner != t.sender:
		return t.abort("marketplace", "ENotCoinOwner")
	case seller == t.sender:
		return t.abort("marketplace", "ECannotBuyOwn")
	case u64Field(coin, "balance") < price:
		return t.abort("marketplace", "EInsufficientPayment")
	}

	fee := price * t.m.feeBps / 10_000
	c := t.touch(coin.ID)
	c.Fields["balance"] = strconv.FormatUint(u64Field(c, "balance")-price, 10)
	t.snapshot()
	proceeds := t.m.newCoin(seller, price-fee)
	t.created = append(t.created, ObjectRef{ID: proceeds, Type: coinObjectType(contracts.CoinType)})

	t.touch(nft.ID).Owner = t.sender
	t.removeListing(listing)

	t.create(t.m.pkgs.AccessCapType(), t.sender, map[string]interface{}{
		"nft_id":       nft.ID,
		"buyer":        t.sender,
		"price_paid":   strconv.FormatUint(price, 10),
		"purchased_at": t.m.millis(),
		"tx_digest":    t.digest,
	})

	sp := t.touch(sellerProfile.ID)
	sp.Fields["total_sales"] = strconv.FormatUint(u64Field(sp, "total_sales")+1, 10)
	sp.Fields["total_revenue"] = strconv.FormatUint(u64Field(sp, "total_revenue")+price-fee, 10)
	return nil
}

func (t *txn) updatePrice() error {
	listing, err := t.object(0, t.m.pkgs.ListingType())
	if err != nil {
		return err
	}
	price, err := t.argU64(1)
	if err != nil {
		return err
	}
	if strField(listing, "seller") != t.sender {
		return t.abort("marketplace", "ENotSeller")
	}
	if price == 0 {
		return t.abort("marketplace", "EInvalidPrice")
	}
	t.touch(listing.ID).Fields["price"] = strconv.FormatUint(price, 10)
	return nil
}

func (t *txn) cancel() error {
	if err := t.marketplace(); err != nil {
		return err
	}
	listing, err := t.object(1, t.m.pkgs.ListingType())
	if err != nil {
		return err
	}
	if strField(listing, "seller") != t.sender {
		return t.abort("marketplace", "ENotSeller")
	}
	if nftID := strField(listing, "nft_id"); nftID != "" {
		if _, ok := t.m.objects[nftID]; ok {
			t.touch(nftID).Owner = t.sender
		}
	}
	t.removeListing(listing)
	return nil
}

// Listings returns the ids of open listings, sorted. Test helper.
func (m *Memory) Listings() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.listings))
	for _, id := range m.listings {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
