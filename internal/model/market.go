// internal/model/market.go
// Package model defines the data structures used throughout the marketplace daemon.
// Ledger-backed types are client-side projections of external records; none of them is
// authoritative and all of them can be discarded and re-fetched at any time.
package model

import (
	"time"
)

// VerificationLevel is the trust tier the ledger assigns to a profile.
type VerificationLevel string

const (
	VerificationUnverified VerificationLevel = "unverified"
	VerificationVerified   VerificationLevel = "verified"
	VerificationOfficial   VerificationLevel = "official"
)

// VerificationLevelFromCode maps the on-chain u8 level to its name.
// Unknown codes are treated as unverified.
func VerificationLevelFromCode(code uint64) VerificationLevel {
	switch code {
	case 1:
		return VerificationVerified
	case 2:
		return VerificationOfficial
	default:
		return VerificationUnverified
	}
}

// SocialLinks holds the optional links a seller publishes on their profile.
type SocialLinks struct {
	Twitter string `json:"twitter,omitempty"`
	GitHub  string `json:"github,omitempty"`
	Website string `json:"website,omitempty"`
}

// Profile represents a marketplace identity.
// Exactly one profile exists per owner address; the username is fixed at creation.
type Profile struct {
	ID                string            `json:"id"`                // Ledger object id
	Owner             string            `json:"owner"`             // Owner address
	Username          string            `json:"username"`          // Immutable public handle
	Bio               string            `json:"bio"`               // Free-form biography
	AvatarBlobID      string            `json:"avatarBlobId"`      // Content store id of the avatar
	VerificationLevel VerificationLevel `json:"verificationLevel"` // Trust tier
	Links             SocialLinks       `json:"links"`             // Social links
	TotalDatasets     uint64            `json:"totalDatasets"`     // Datasets minted by this profile
	TotalSales        uint64            `json:"totalSales"`        // Completed sales
	TotalRevenue      uint64            `json:"totalRevenue"`      // Revenue in MIST
	RatingSum         uint64            `json:"ratingSum"`         // Sum of ratings received
	RatingCount       uint64            `json:"ratingCount"`       // Number of ratings received
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Rating returns the average rating, or zero when unrated.
func (p Profile) Rating() float64 {
	if p.RatingCount == 0 {
		return 0
	}
	return float64(p.RatingSum) / float64(p.RatingCount)
}

// DatasetRecord represents the ownership/authenticity token of a dataset.
// VerificationHash must equal the sha-256 of the bytes behind DataBlobID.
type DatasetRecord struct {
	ID               string    `json:"id"`               // Ledger object id
	Creator          string    `json:"creator"`          // Address that minted the record
	DataBlobID       string    `json:"dataBlobId"`       // Content store id of the raw file
	MetadataBlobID   string    `json:"metadataBlobId"`   // Content store id of the metadata JSON
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	Category         string    `json:"category"`
	FileType         string    `json:"fileType"`
	FileSize         uint64    `json:"fileSize"`         // Size of the raw file in bytes
	Verified         bool      `json:"verified"`         // Set by the ledger after review
	VerificationHash string    `json:"verificationHash"` // Hex sha-256 of the raw file
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	ViewCount        uint64    `json:"viewCount"`
	DownloadCount    uint64    `json:"downloadCount"`
}

// Listing represents an open offer to sell a dataset.
type Listing struct {
	ID        string    `json:"id"`        // Ledger object id
	DatasetID string    `json:"datasetId"` // Referenced DatasetRecord
	Seller    string    `json:"seller"`    // Seller address
	Price     uint64    `json:"price"`     // Price in MIST
	ListedAt  time.Time `json:"listedAt"`
}

// AccessCapability proves that Owner purchased DatasetID.
type AccessCapability struct {
	ID          string    `json:"id"`          // Ledger object id
	Owner       string    `json:"owner"`       // Holder address
	DatasetID   string    `json:"datasetId"`   // Referenced DatasetRecord
	PricePaid   uint64    `json:"pricePaid"`   // Price paid in MIST
	PurchasedAt time.Time `json:"purchasedAt"`
	TxDigest    string    `json:"txDigest"`    // Purchase transaction reference
}

// MetadataSchemaVersion is the version stamped into newly written metadata objects.
const MetadataSchemaVersion = "1.0.0"

// DatasetMetadata is the JSON document stored next to every dataset in the content store.
// It is written once at publish time and never modified.
type DatasetMetadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	FileType    string `json:"fileType"`
	FileSize    int64  `json:"fileSize"`
	FileName    string `json:"fileName"`
	FileHash    string `json:"fileHash"`   // Hex sha-256 of the raw file
	License     string `json:"license"`
	UploadedAt  int64  `json:"uploadedAt"` // Unix milliseconds
	Version     string `json:"version"`    // Metadata schema version
}

// Stage is a step of the publish pipeline.
type Stage string

const (
	StageIdle              Stage = "idle"
	StageValidating        Stage = "validating"
	StageUploadingFile     Stage = "uploading_file"
	StageUploadingMetadata Stage = "uploading_metadata"
	StageMinting           Stage = "minting"
	StageListing           Stage = "listing"
	StageSuccess           Stage = "success"
	StageError             Stage = "error"
)

// Terminal reports whether no further transitions follow s.
func (s Stage) Terminal() bool { return s == StageSuccess || s == StageError }

// UploadProgress is the transient state of a publish run.
type UploadProgress struct {
	Stage       Stage  `json:"stage"`
	Progress    int    `json:"progress"`              // 0-100
	Message     string `json:"message"`
	FailedStage Stage  `json:"failedStage,omitempty"` // Stage that failed, when Stage is error
	Error       string `json:"error,omitempty"`
}

// PublishResult identifies everything created by a successful publish run.
type PublishResult struct {
	RecordID          string `json:"recordId"`
	DataBlobID        string `json:"dataBlobId"`
	MetadataBlobID    string `json:"metadataBlobId"`
	TransactionDigest string `json:"transactionDigest"`
	ListingID         string `json:"listingId,omitempty"`
	ListingDigest     string `json:"listingDigest,omitempty"`
}

// Quote breaks down what a buyer pays for a listing.
// Only Total is enforced locally; the fee split itself happens on the ledger.
type Quote struct {
	Price       uint64 `json:"price"`
	PlatformFee uint64 `json:"platformFee"`
	GasReserve  uint64 `json:"gasReserve"`
	Total       uint64 `json:"total"`
}

// PurchaseResult is returned once a purchase transaction has been confirmed.
type PurchaseResult struct {
	Digest    string `json:"digest"`
	Buyer     string `json:"buyer"`
	DatasetID string `json:"datasetId"`
	ListingID string `json:"listingId"`
	Quote     Quote  `json:"quote"`
	CoinID    string `json:"coinId"`
}

// MarketplaceDataset joins a listing with its record and (optionally) metadata.
type MarketplaceDataset struct {
	Record   DatasetRecord    `json:"record"`
	Listing  Listing          `json:"listing"`
	Metadata *DatasetMetadata `json:"metadata,omitempty"`
}

// FetchFailure describes one item of a fan-out read that could not be resolved.
type FetchFailure struct {
	Ref   string `json:"ref"`   // Id of the item that failed
	Error string `json:"error"` // Failure reason
}

// MarketplacePage is the aggregate marketplace view.
// Failures lists items that could not be resolved, so callers can tell an empty
// marketplace apart from a partial fetch.
type MarketplacePage struct {
	Datasets []MarketplaceDataset `json:"datasets"`
	Failures []FetchFailure       `json:"failures,omitempty"`
}

// DatasetDetail is the detail view of one dataset.
type DatasetDetail struct {
	Record   DatasetRecord    `json:"record"`
	Listing  *Listing         `json:"listing,omitempty"`
	Metadata *DatasetMetadata `json:"metadata,omitempty"`
	// ListingUnknown is set when some listings could not be read, so Listing may be missing.
	ListingUnknown bool `json:"listingUnknown,omitempty"`
}
