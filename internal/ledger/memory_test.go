package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/datamarket/datamarket-go/internal/contracts"
	errordefs "github.com/datamarket/datamarket-go/internal/errors"
)

var testPkgs = contracts.Packages{
	ProfilePackage:     "0xprofile",
	MarketplacePackage: "0xmarket",
	ProfileRegistry:    "0xregistry",
	Marketplace:        "0xmarketplace",
}

type testSigner struct {
	addr   string
	reject bool
}

func (s testSigner) Address() string { return s.addr }

func (s testSigner) SignTransaction(ctx context.Context, txBytes string) (string, error) {
	if s.reject {
		return "", errors.New("user rejected the request")
	}
	return "sig", nil
}

func mustSubmit(t *testing.T, l *Memory, s Signer, call contracts.Call) *TxResult {
	t.Helper()
	res, err := l.SubmitTransaction(context.Background(), s, call)
	if err != nil {
		t.Fatalf("%s: %v", call.Target(), err)
	}
	return res
}

// seedListing creates a seller profile, mints one record and lists it.
func seedListing(t *testing.T, l *Memory, seller Signer, price uint64) (profileID, recordID, listingID string) {
	t.Helper()
	res := mustSubmit(t, l, seller, testPkgs.CreateProfile("seller", "", ""))
	profileID, _ = res.CreatedOfType(testPkgs.ProfileType())
	res = mustSubmit(t, l, seller, testPkgs.MintDataset(contracts.Mint{
		ProfileID: profileID, DataBlobID: "data", MetadataBlobID: "meta", Title: "T", FileSize: 10,
	}))
	recordID, _ = res.CreatedOfType(testPkgs.DatasetType())
	res = mustSubmit(t, l, seller, testPkgs.CreateListing(recordID, price))
	listingID, _ = res.CreatedOfType(testPkgs.ListingType())
	return
}

func TestMemoryCreateProfileRejectsDuplicates(t *testing.T) {
	l := NewMemory(testPkgs, 250)
	alice := testSigner{addr: "0xa"}
	bob := testSigner{addr: "0xb"}
	ctx := context.Background()

	mustSubmit(t, l, alice, testPkgs.CreateProfile("alice", "bio", ""))
	if _, err := l.SubmitTransaction(ctx, alice, testPkgs.CreateProfile("alice2", "", "")); !errordefs.Is(err, errordefs.MKT_EXECUTION) {
		t.Errorf("second profile for same owner: err = %v", err)
	}
	if _, err := l.SubmitTransaction(ctx, bob, testPkgs.CreateProfile("alice", "", "")); !errordefs.Is(err, errordefs.MKT_EXECUTION) {
		t.Errorf("taken username: err = %v", err)
	}
	profiles, _ := l.GetOwnedObjects(ctx, "0xb", testPkgs.ProfileType())
	if len(profiles) != 0 {
		t.Errorf("failed call left %d profiles behind", len(profiles))
	}
}

func TestMemoryUsernameIsImmutable(t *testing.T) {
	l := NewMemory(testPkgs, 250)
	alice := testSigner{addr: "0xa"}
	res := mustSubmit(t, l, alice, testPkgs.CreateProfile("alice", "", ""))
	id, _ := res.CreatedOfType(testPkgs.ProfileType())
	_, err := l.SubmitTransaction(context.Background(), alice, testPkgs.UpdateUsername(id, "alicia"))
	if !errordefs.Is(err, errordefs.MKT_EXECUTION) {
		t.Fatalf("err = %v, want execution error", err)
	}
}

func TestMemoryBuyTransfersAndCreatesCapability(t *testing.T) {
	l := NewMemory(testPkgs, 250)
	ctx := context.Background()
	seller := testSigner{addr: "0xseller"}
	buyer := testSigner{addr: "0xbuyer"}
	profileID, recordID, listingID := seedListing(t, l, seller, 1000)
	coins := l.Fund(buyer.addr, 5000)

	res := mustSubmit(t, l, buyer, testPkgs.PurchaseListing(listingID, recordID, profileID, coins[0]))
	if _, ok := res.CreatedOfType(testPkgs.AccessCapType()); !ok {
		t.Fatal("no access capability created")
	}

	caps, _ := l.GetOwnedObjects(ctx, buyer.addr, testPkgs.AccessCapType())
	if len(caps) != 1 || caps[0].Fields["nft_id"] != recordID {
		t.Fatalf("buyer caps = %+v", caps)
	}
	nft, _ := l.GetObject(ctx, recordID)
	if nft.Owner != buyer.addr {
		t.Errorf("record owner = %s, want buyer", nft.Owner)
	}
	if _, err := l.GetObject(ctx, listingID); !errordefs.Is(err, errordefs.MKT_NOT_FOUND) {
		t.Errorf("listing still readable: %v", err)
	}
	fields, _ := l.GetDynamicFields(ctx, testPkgs.Marketplace)
	if len(fields) != 0 {
		t.Errorf("marketplace still has %d fields", len(fields))
	}
	if bal, _ := l.GetBalance(ctx, buyer.addr, contracts.CoinType); bal != 4000 {
		t.Errorf("buyer balance = %d, want 4000", bal)
	}
	if bal, _ := l.GetBalance(ctx, seller.addr, contracts.CoinType); bal != 975 {
		t.Errorf("seller balance = %d, want 975", bal)
	}
	profile, _ := l.GetObject(ctx, profileID)
	if profile.Fields["total_sales"] != "1" || profile.Fields["total_revenue"] != "975" {
		t.Errorf("seller stats = %v / %v", profile.Fields["total_sales"], profile.Fields["total_revenue"])
	}
}

func TestMemoryBuyAbortsOnInsufficientPayment(t *testing.T) {
	l := NewMemory(testPkgs, 250)
	seller := testSigner{addr: "0xseller"}
	buyer := testSigner{addr: "0xbuyer"}
	profileID, recordID, listingID := seedListing(t, l, seller, 1000)
	coins := l.Fund(buyer.addr, 999)

	_, err := l.SubmitTransaction(context.Background(), buyer, testPkgs.PurchaseListing(listingID, recordID, profileID, coins[0]))
	if !errordefs.Is(err, errordefs.MKT_EXECUTION) {
		t.Fatalf("err = %v", err)
	}
	if got := l.Listings(); len(got) != 1 || got[0] != listingID {
		t.Errorf("listing removed by failed purchase: %v", got)
	}
}

func TestMemoryListingRules(t *testing.T) {
	l := NewMemory(testPkgs, 250)
	ctx := context.Background()
	seller := testSigner{addr: "0xseller"}
	other := testSigner{addr: "0xother"}
	_, recordID, listingID := seedListing(t, l, seller, 1000)

	if _, err := l.SubmitTransaction(ctx, seller, testPkgs.CreateListing(recordID, 5)); err == nil {
		t.Error("second listing for the same record succeeded")
	}
	if _, err := l.SubmitTransaction(ctx, other, testPkgs.UpdateListingPrice(listingID, 5)); err == nil {
		t.Error("non-seller updated price")
	}
	mustSubmit(t, l, seller, testPkgs.UpdateListingPrice(listingID, 1500))
	obj, _ := l.GetObject(ctx, listingID)
	if obj.Fields["price"] != "1500" {
		t.Errorf("price = %v", obj.Fields["price"])
	}
	mustSubmit(t, l, seller, testPkgs.CancelListing(listingID))
	nft, _ := l.GetObject(ctx, recordID)
	if nft.Owner != seller.addr {
		t.Errorf("record not returned to seller, owner = %s", nft.Owner)
	}
}

func TestMemoryRejectedSignature(t *testing.T) {
	l := NewMemory(testPkgs, 250)
	_, err := l.SubmitTransaction(context.Background(), testSigner{addr: "0xa", reject: true}, testPkgs.CreateProfile("a", "", ""))
	if !errordefs.Is(err, errordefs.MKT_USER_REJECTED) {
		t.Fatalf("err = %v", err)
	}
	if n := len(l.Submitted()); n != 0 {
		t.Errorf("submitted = %d, want 0", n)
	}
}

func TestMemoryUnavailable(t *testing.T) {
	l := NewMemory(testPkgs, 250)
	l.SetUnavailable(true)
	_, err := l.GetOwnedObjects(context.Background(), "0xa", testPkgs.ProfileType())
	if errordefs.KindOf(err) != errordefs.KindNetwork {
		t.Fatalf("kind = %v", errordefs.KindOf(err))
	}
}
