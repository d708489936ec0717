package contracts

// Module names inside the marketplace packages.
const (
	ModuleProfile     = "profile"
	ModuleDataNFT     = "data_nft"
	ModuleMarketplace = "marketplace"
)

// CoinType is the native coin used for payment and gas.
const CoinType = "0x2::sui::SUI"

// Packages identifies the deployed marketplace packages and their shared objects.
type Packages struct {
	ProfilePackage     string // Package holding the profile and data_nft modules
	MarketplacePackage string // Package holding the marketplace module
	ProfileRegistry    string // Shared registry enforcing unique usernames
	Marketplace        string // Shared marketplace object holding listings
}

// ProfileType returns the struct type of a Profile object.
func (p Packages) ProfileType() string { return p.ProfilePackage + "::profile::Profile" }

// DatasetType returns the struct type of a dataset record.
func (p Packages) DatasetType() string { return p.ProfilePackage + "::data_nft::DataNFT" }

// AccessCapType returns the struct type of an access capability.
func (p Packages) AccessCapType() string { return p.ProfilePackage + "::data_nft::DataAccessCap" }

// ListingType returns the struct type of a marketplace listing.
func (p Packages) ListingType() string { return p.MarketplacePackage + "::marketplace::Listing" }

// CreateProfile registers a new profile for the sender.
// Username uniqueness is enforced by the registry.
func (p Packages) CreateProfile(username, bio, avatarBlobID string) Call {
	return Call{
		Package:  p.ProfilePackage,
		Module:   ModuleProfile,
		Function: "create_profile",
		Args: []Arg{
			Object(p.ProfileRegistry),
			String(username),
			String(bio),
			String(avatarBlobID),
		},
	}
}

// ProfileUpdate holds the mutable profile fields. The username is not among them.
type ProfileUpdate struct {
	Bio          string
	AvatarBlobID string
	Twitter      string
	GitHub       string
	Website      string
}

// UpdateProfile replaces the mutable fields of a profile.
func (p Packages) UpdateProfile(profileID string, u ProfileUpdate) Call {
	return Call{
		Package:  p.ProfilePackage,
		Module:   ModuleProfile,
		Function: "update_profile",
		Args: []Arg{
			Object(profileID),
			String(u.Bio),
			String(u.AvatarBlobID),
			String(u.Twitter),
			String(u.GitHub),
			String(u.Website),
		},
	}
}

// UpdateUsername requests a username change. The deployed contract rejects it
// once the username has been set.
func (p Packages) UpdateUsername(profileID, username string) Call {
	return Call{
		Package:  p.ProfilePackage,
		Module:   ModuleProfile,
		Function: "update_username",
		Args: []Arg{
			Object(p.ProfileRegistry),
			Object(profileID),
			String(username),
		},
	}
}

// Mint describes a dataset record to be minted.
type Mint struct {
	ProfileID        string
	MetadataBlobID   string
	DataBlobID       string
	Title            string
	Description      string
	Category         string
	FileType         string
	FileSize         uint64
	VerificationHash string
}

// MintDataset mints a dataset record owned by the sender.
func (p Packages) MintDataset(m Mint) Call {
	return Call{
		Package:  p.ProfilePackage,
		Module:   ModuleDataNFT,
		Function: "mint",
		Args: []Arg{
			Object(m.ProfileID),
			String(m.MetadataBlobID),
			String(m.DataBlobID),
			String(m.Title),
			String(m.Description),
			String(m.Category),
			String(m.FileType),
			U64(m.FileSize),
			String(m.VerificationHash),
		},
	}
}

// UpdateDatasetMetadata points a record at a new metadata blob and replaces its descriptive fields.
func (p Packages) UpdateDatasetMetadata(recordID, metadataBlobID, title, description string) Call {
	return Call{
		Package:  p.ProfilePackage,
		Module:   ModuleDataNFT,
		Function: "update_metadata",
		Args: []Arg{
			Object(recordID),
			String(metadataBlobID),
			String(title),
			String(description),
		},
	}
}

// CreateListing offers a record for sale. price is in MIST.
func (p Packages) CreateListing(recordID string, price uint64) Call {
	return Call{
		Package:  p.MarketplacePackage,
		Module:   ModuleMarketplace,
		Function: "list_nft",
		Args: []Arg{
			Object(p.Marketplace),
			Object(recordID),
			U64(price),
		},
	}
}

// PurchaseListing buys a listing with the given payment coin.
// sellerProfileID lets the contract credit the seller's sales counters.
func (p Packages) PurchaseListing(listingID, recordID, sellerProfileID, coinID string) Call {
	return Call{
		Package:  p.MarketplacePackage,
		Module:   ModuleMarketplace,
		Function: "buy_nft",
		Args: []Arg{
			Object(p.Marketplace),
			Object(listingID),
			Object(recordID),
			Object(sellerProfileID),
			Object(coinID),
		},
	}
}

// UpdateListingPrice changes the price of an open listing. price is in MIST.
func (p Packages) UpdateListingPrice(listingID string, price uint64) Call {
	return Call{
		Package:  p.MarketplacePackage,
		Module:   ModuleMarketplace,
		Function: "update_price",
		Args: []Arg{
			Object(listingID),
			U64(price),
		},
	}
}

// CancelListing removes an open listing and returns the record to its seller.
func (p Packages) CancelListing(listingID string) Call {
	return Call{
		Package:  p.MarketplacePackage,
		Module:   ModuleMarketplace,
		Function: "cancel_listing",
		Args: []Arg{
			Object(p.Marketplace),
			Object(listingID),
		},
	}
}
