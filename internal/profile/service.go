// internal/profile/service.go
// Package profile creates and edits marketplace profiles. Input is checked against the
// profile schemas before anything is sent to the ledger; uniqueness of usernames and one
// profile per address are enforced by the ledger itself.
package profile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/datamarket/datamarket-go/internal/contracts"
	errordefs "github.com/datamarket/datamarket-go/internal/errors"
	"github.com/datamarket/datamarket-go/internal/ledger"
	"github.com/datamarket/datamarket-go/internal/model"
	"github.com/datamarket/datamarket-go/internal/schema"
)

// Catalog is the part of the query layer the service depends on.
type Catalog interface {
	GetProfileByOwner(ctx context.Context, address string) (*model.Profile, error)
	InvalidateAccount(address string)
}

// CreateParams describes a new profile.
type CreateParams struct {
	Username     string `json:"username"`
	Bio          string `json:"bio,omitempty"`
	AvatarBlobID string `json:"avatarBlobId,omitempty"`
}

// UpdateParams changes the editable profile fields. Nil fields keep their current value.
type UpdateParams struct {
	Bio          *string `json:"bio,omitempty"`
	AvatarBlobID *string `json:"avatarBlobId,omitempty"`
	Twitter      *string `json:"twitter,omitempty"`
	GitHub       *string `json:"github,omitempty"`
	Website      *string `json:"website,omitempty"`
}

// Receipt is the outcome of a profile transaction.
type Receipt struct {
	Digest    string `json:"digest"`
	ProfileID string `json:"profileId"`
}

// Service runs profile transactions.
type Service struct {
	ledger    ledger.Client
	catalog   Catalog
	validator *schema.Validator
	pkgs      contracts.Packages
	recorder  model.ActivityRecorder
	now       func() time.Time
}

// New creates a profile service.
func New(l ledger.Client, cat Catalog, v *schema.Validator, pkgs contracts.Packages) *Service {
	return &Service{ledger: l, catalog: cat, validator: v, pkgs: pkgs, recorder: model.NopRecorder{}, now: time.Now}
}

// SetRecorder sets where confirmed profile changes are reported.
func (s *Service) SetRecorder(r model.ActivityRecorder) {
	if r != nil {
		s.recorder = r
	}
}

// Get returns the profile of address, or nil if it has none.
func (s *Service) Get(ctx context.Context, address string) (*model.Profile, error) {
	return s.catalog.GetProfileByOwner(ctx, address)
}

// Create registers a profile for signer.
func (s *Service) Create(ctx context.Context, signer ledger.Signer, p CreateParams) (*Receipt, error) {
	if err := s.validate(schema.ProfileCreate, p); err != nil {
		return nil, err
	}
	existing, err := s.catalog.GetProfileByOwner(ctx, signer.Address())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errordefs.Errorf(errordefs.MKT_CONFLICT, "%s already has profile %s", signer.Address(), existing.ID)
	}

	tx, err := s.ledger.SubmitTransaction(ctx, signer, s.pkgs.CreateProfile(p.Username, p.Bio, p.AvatarBlobID))
	if err != nil {
		return nil, err
	}
	id, ok := tx.CreatedOfType(s.pkgs.ProfileType())
	if !ok {
		return nil, errordefs.Errorf(errordefs.MKT_SCHEMA_MISMATCH, "create_profile %s created no %s", tx.Digest, s.pkgs.ProfileType())
	}
	s.catalog.InvalidateAccount(signer.Address())
	s.record(ctx, signer, model.ActivityProfileCreated, id, tx.Digest, map[string]interface{}{"username": p.Username})
	slog.Info("profile created", "address", signer.Address(), "profileId", id, "username", p.Username)
	return &Receipt{Digest: tx.Digest, ProfileID: id}, nil
}

// Update edits signer's profile.
func (s *Service) Update(ctx context.Context, signer ledger.Signer, u UpdateParams) (*Receipt, error) {
	if err := s.validate(schema.ProfileUpdate, u); err != nil {
		return nil, err
	}
	// Unset fields are merged from the ledger's current profile, not a cached one.
	s.catalog.InvalidateAccount(signer.Address())
	current, err := s.requireProfile(ctx, signer.Address())
	if err != nil {
		return nil, err
	}

	merged := contracts.ProfileUpdate{
		Bio:          pick(u.Bio, current.Bio),
		AvatarBlobID: pick(u.AvatarBlobID, current.AvatarBlobID),
		Twitter:      pick(u.Twitter, current.Links.Twitter),
		GitHub:       pick(u.GitHub, current.Links.GitHub),
		Website:      pick(u.Website, current.Links.Website),
	}
	tx, err := s.ledger.SubmitTransaction(ctx, signer, s.pkgs.UpdateProfile(current.ID, merged))
	if err != nil {
		return nil, err
	}
	s.catalog.InvalidateAccount(signer.Address())
	s.record(ctx, signer, model.ActivityProfileUpdated, current.ID, tx.Digest, nil)
	return &Receipt{Digest: tx.Digest, ProfileID: current.ID}, nil
}

// UpdateUsername asks the ledger to rename signer's profile. Deployed packages treat
// usernames as immutable, so this normally fails with the ledger's abort message.
func (s *Service) UpdateUsername(ctx context.Context, signer ledger.Signer, username string) (*Receipt, error) {
	if err := s.validate(schema.ProfileCreate, CreateParams{Username: username}); err != nil {
		return nil, err
	}
	current, err := s.requireProfile(ctx, signer.Address())
	if err != nil {
		return nil, err
	}
	tx, err := s.ledger.SubmitTransaction(ctx, signer, s.pkgs.UpdateUsername(current.ID, username))
	if err != nil {
		return nil, err
	}
	s.catalog.InvalidateAccount(signer.Address())
	s.record(ctx, signer, model.ActivityProfileUpdated, current.ID, tx.Digest, map[string]interface{}{"username": username})
	return &Receipt{Digest: tx.Digest, ProfileID: current.ID}, nil
}

func (s *Service) requireProfile(ctx context.Context, address string) (*model.Profile, error) {
	p, err := s.catalog.GetProfileByOwner(ctx, address)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errordefs.Errorf(errordefs.MKT_NOT_FOUND, "%s has no profile", address)
	}
	return p, nil
}

// validate maps schema failures onto validation error codes.
func (s *Service) validate(kind string, doc interface{}) error {
	err := s.validator.Validate(kind, "", doc)
	if err == nil {
		return nil
	}
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		return errordefs.Wrap(errordefs.MKT_INTERNAL, err, "validate "+kind)
	}
	code := errordefs.MKT_VALIDATION
	for _, f := range verr.Fields() {
		if f == "username" {
			code = errordefs.MKT_USERNAME_INVALID
		}
	}
	msg := "Invalid profile"
	if code == errordefs.MKT_USERNAME_INVALID {
		msg = "Username must be 3-20 characters: letters, digits, _ or -"
	}
	return errordefs.NewWithDetails(code, msg, "", map[string]interface{}{"fields": verr.Fields(), "problems": verr.Problems})
}

func (s *Service) record(ctx context.Context, signer ledger.Signer, kind model.ActivityKind, ref, digest string, payload map[string]interface{}) {
	s.recorder.Record(ctx, model.Activity{
		Address:    signer.Address(),
		Kind:       kind,
		Ref:        ref,
		Digest:     digest,
		Payload:    payload,
		OccurredAt: s.now(),
	})
}

func pick(v *string, current string) string {
	if v == nil {
		return current
	}
	return *v
}
