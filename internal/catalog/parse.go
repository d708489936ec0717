package catalog

import (
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"

	errordefs "github.com/datamarket/datamarket-go/internal/errors"
	"github.com/datamarket/datamarket-go/internal/ledger"
	"github.com/datamarket/datamarket-go/internal/model"
)

// Parse functions turn raw ledger objects into typed records. A record missing a
// required field, or holding a field of the wrong shape, is rejected with
// MKT_SCHEMA_MISMATCH rather than half-populated. Extra fields are ignored.

type profileFields struct {
	Owner             string `mapstructure:"owner"`
	Username          string `mapstructure:"username"`
	Bio               string `mapstructure:"bio"`
	AvatarBlobID      string `mapstructure:"avatar_blob_id"`
	VerificationLevel uint64 `mapstructure:"verification_level"`
	Twitter           string `mapstructure:"twitter"`
	GitHub            string `mapstructure:"github"`
	Website           string `mapstructure:"website"`
	TotalDatasets     uint64 `mapstructure:"total_datasets"`
	TotalSales        uint64 `mapstructure:"total_sales"`
	TotalRevenue      uint64 `mapstructure:"total_revenue"`
	RatingSum         uint64 `mapstructure:"rating_sum"`
	RatingCount       uint64 `mapstructure:"rating_count"`
	CreatedAt         int64  `mapstructure:"created_at"`
	UpdatedAt         int64  `mapstructure:"updated_at"`
}

type datasetFields struct {
	Creator          string `mapstructure:"creator"`
	MetadataBlobID   string `mapstructure:"metadata_blob_id"`
	DataBlobID       string `mapstructure:"data_blob_id"`
	Title            string `mapstructure:"title"`
	Description      string `mapstructure:"description"`
	Category         string `mapstructure:"category"`
	FileType         string `mapstructure:"file_type"`
	FileSize         uint64 `mapstructure:"file_size"`
	Verified         bool   `mapstructure:"verified"`
	VerificationHash string `mapstructure:"verification_hash"`
	CreatedAt        int64  `mapstructure:"created_at"`
	UpdatedAt        int64  `mapstructure:"updated_at"`
	ViewCount        uint64 `mapstructure:"view_count"`
	DownloadCount    uint64 `mapstructure:"download_count"`
}

type listingFields struct {
	NFTID    string `mapstructure:"nft_id"`
	Seller   string `mapstructure:"seller"`
	Price    uint64 `mapstructure:"price"`
	ListedAt int64  `mapstructure:"listed_at"`
}

type capabilityFields struct {
	NFTID       string `mapstructure:"nft_id"`
	Buyer       string `mapstructure:"buyer"`
	PricePaid   uint64 `mapstructure:"price_paid"`
	PurchasedAt int64  `mapstructure:"purchased_at"`
	TxDigest    string `mapstructure:"tx_digest"`
}

var (
	profileRequired    = []string{"username", "created_at"}
	datasetRequired    = []string{"creator", "data_blob_id", "metadata_blob_id", "title", "file_size", "verification_hash"}
	listingRequired    = []string{"nft_id", "seller", "price"}
	capabilityRequired = []string{"nft_id"}
)

// decodeFields checks that every required key is present and decodes fields into out.
func decodeFields(kind string, obj ledger.Object, required []string, out interface{}) error {
	var missing []string
	for _, k := range required {
		if v, ok := obj.Fields[k]; !ok || v == nil {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errordefs.NewWithDetails(errordefs.MKT_SCHEMA_MISMATCH,
			kind+" "+obj.ID+" is missing required fields", "",
			map[string]interface{}{"missing": missing})
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return errordefs.Wrap(errordefs.MKT_INTERNAL, err, "build decoder")
	}
	if err := dec.Decode(obj.Fields); err != nil {
		return errordefs.Wrap(errordefs.MKT_SCHEMA_MISMATCH, err, kind+" "+obj.ID+" has malformed fields")
	}
	return nil
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// ParseProfile converts a profile object.
func ParseProfile(obj ledger.Object) (model.Profile, error) {
	var f profileFields
	if err := decodeFields("profile", obj, profileRequired, &f); err != nil {
		return model.Profile{}, err
	}
	owner := f.Owner
	if owner == "" {
		owner = obj.Owner
	}
	return model.Profile{
		ID:                obj.ID,
		Owner:             owner,
		Username:          f.Username,
		Bio:               f.Bio,
		AvatarBlobID:      f.AvatarBlobID,
		VerificationLevel: model.VerificationLevelFromCode(f.VerificationLevel),
		Links:             model.SocialLinks{Twitter: f.Twitter, GitHub: f.GitHub, Website: f.Website},
		TotalDatasets:     f.TotalDatasets,
		TotalSales:        f.TotalSales,
		TotalRevenue:      f.TotalRevenue,
		RatingSum:         f.RatingSum,
		RatingCount:       f.RatingCount,
		CreatedAt:         millis(f.CreatedAt),
		UpdatedAt:         millis(f.UpdatedAt),
	}, nil
}

// ParseDataset converts a dataset record object.
func ParseDataset(obj ledger.Object) (model.DatasetRecord, error) {
	var f datasetFields
	if err := decodeFields("dataset", obj, datasetRequired, &f); err != nil {
		return model.DatasetRecord{}, err
	}
	return model.DatasetRecord{
		ID:               obj.ID,
		Creator:          f.Creator,
		DataBlobID:       f.DataBlobID,
		MetadataBlobID:   f.MetadataBlobID,
		Title:            f.Title,
		Description:      f.Description,
		Category:         f.Category,
		FileType:         f.FileType,
		FileSize:         f.FileSize,
		Verified:         f.Verified,
		VerificationHash: f.VerificationHash,
		CreatedAt:        millis(f.CreatedAt),
		UpdatedAt:        millis(f.UpdatedAt),
		ViewCount:        f.ViewCount,
		DownloadCount:    f.DownloadCount,
	}, nil
}

// ParseListing converts a listing object.
func ParseListing(obj ledger.Object) (model.Listing, error) {
	var f listingFields
	if err := decodeFields("listing", obj, listingRequired, &f); err != nil {
		return model.Listing{}, err
	}
	return model.Listing{
		ID:        obj.ID,
		DatasetID: f.NFTID,
		Seller:    f.Seller,
		Price:     f.Price,
		ListedAt:  millis(f.ListedAt),
	}, nil
}

// ParseCapability converts an access capability object.
func ParseCapability(obj ledger.Object) (model.AccessCapability, error) {
	var f capabilityFields
	if err := decodeFields("access capability", obj, capabilityRequired, &f); err != nil {
		return model.AccessCapability{}, err
	}
	owner := obj.Owner
	if owner == "" {
		owner = f.Buyer
	}
	return model.AccessCapability{
		ID:          obj.ID,
		Owner:       owner,
		DatasetID:   f.NFTID,
		PricePaid:   f.PricePaid,
		PurchasedAt: millis(f.PurchasedAt),
		TxDigest:    f.TxDigest,
	}, nil
}
