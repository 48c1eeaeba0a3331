package escrow

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"escrowledger/internal/auth"
	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/database"
	"escrowledger/internal/common/money"
	"escrowledger/internal/escrow/domain"
)

// Listing page sizes
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Onboard registers the actor as a merchant and grants the merchant role.
func (s *Service) Onboard(ctx context.Context, actor auth.Actor, businessName string) (*domain.Merchant, error) {
	const op = "escrow.Onboard"

	businessName = strings.TrimSpace(businessName)
	if businessName == "" {
		return nil, apperr.New(apperr.Validation, op, "business name is required")
	}

	m := &domain.Merchant{
		AccountID:    actor.AccountID,
		BusinessName: businessName,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.store.CreateMerchant(ctx, m); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return nil, apperr.New(apperr.Conflict, op, "already onboarded as a merchant")
		}
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, op, "account not found")
		}
		return nil, apperr.Wrap(apperr.Internal, op, "creating merchant", err)
	}
	if s.roles != nil && actor.Role != auth.RoleAdmin {
		if err := s.roles.PromoteToMerchant(ctx, actor.AccountID); err != nil {
			return nil, err
		}
	}

	s.logger.Info("merchant onboarded", "account_id", m.AccountID, "business_name", m.BusinessName)
	return m, nil
}

// CreateListing adds a listing for the merchant
func (s *Service) CreateListing(ctx context.Context, actor auth.Actor, name, description string, price money.Money) (*domain.Listing, error) {
	const op = "escrow.CreateListing"

	if err := s.requireMerchant(ctx, op, actor); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.Validation, op, "name is required")
	}
	if !money.Supported(price.Currency) {
		return nil, apperr.Newf(apperr.Validation, op, "unsupported currency %q", price.Currency)
	}
	if !price.IsPositive() {
		return nil, apperr.New(apperr.Validation, op, "price must be positive")
	}

	now := s.clock.Now()
	l := &domain.Listing{
		ID:          uuid.NewString(),
		MerchantID:  actor.AccountID,
		Name:        name,
		Description: strings.TrimSpace(description),
		Price:       price,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, op, "merchant not onboarded")
		}
		return nil, apperr.Wrap(apperr.Internal, op, "creating listing", err)
	}

	s.logger.Info("listing created", "listing_id", l.ID, "merchant_id", l.MerchantID, "price", price.String())
	return l, nil
}

// MyListings lists the merchant's own listings, active or not
func (s *Service) MyListings(ctx context.Context, actor auth.Actor, limit, offset int) ([]*domain.Listing, error) {
	const op = "escrow.MyListings"

	if err := s.requireMerchant(ctx, op, actor); err != nil {
		return nil, err
	}
	return s.listings(ctx, op, domain.ListingFilter{
		MerchantID: actor.AccountID,
		Limit:      clampPage(limit),
		Offset:     offset,
	})
}

// ActiveListings lists every listing buyers can initiate an escrow for
func (s *Service) ActiveListings(ctx context.Context, limit, offset int) ([]*domain.Listing, error) {
	return s.listings(ctx, "escrow.ActiveListings", domain.ListingFilter{
		ActiveOnly: true,
		Limit:      clampPage(limit),
		Offset:     offset,
	})
}

// SetListingActive activates or deactivates one of the merchant's listings.
// Escrows already initiated are unaffected.
func (s *Service) SetListingActive(ctx context.Context, actor auth.Actor, listingID string, active bool) (*domain.Listing, error) {
	const op = "escrow.SetListingActive"

	l, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, op, "listing not found")
		}
		return nil, apperr.Wrap(apperr.Internal, op, "loading listing", err)
	}
	if l.MerchantID != actor.AccountID && !actor.IsAdmin() {
		return nil, apperr.New(apperr.Unauthorized, op, "not your listing")
	}

	l.Active = active
	l.UpdatedAt = s.clock.Now()
	if err := s.store.SetListingActive(ctx, l); err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, "updating listing", err)
	}
	return l, nil
}

func (s *Service) listings(ctx context.Context, op string, f domain.ListingFilter) ([]*domain.Listing, error) {
	out, err := s.store.ListListings(ctx, f)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, "listing listings", err)
	}
	return out, nil
}

// requireMerchant checks the merchant profile rather than the token role, so
// a freshly onboarded merchant can sell before their next login.
func (s *Service) requireMerchant(ctx context.Context, op string, actor auth.Actor) error {
	_, err := s.store.GetMerchant(ctx, actor.AccountID)
	if err == nil {
		return nil
	}
	if errors.Is(err, database.ErrNotFound) {
		return apperr.New(apperr.Unauthorized, op, "onboard as a merchant first")
	}
	return apperr.Wrap(apperr.Internal, op, "loading merchant", err)
}

// clampPage allows one row past MaxPageSize so handlers can tell whether a
// further page exists.
func clampPage(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize+1 {
		return MaxPageSize + 1
	}
	return limit
}
