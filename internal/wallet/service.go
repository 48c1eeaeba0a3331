package wallet

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/database"
	"escrowledger/internal/common/events"
	"escrowledger/internal/common/money"
	"escrowledger/internal/common/phone"
	"escrowledger/internal/wallet/domain"
)

// Config holds wallet configuration
type Config struct {
	Currency    money.Currency `envconfig:"WALLET_CURRENCY" default:"KES"`
	TransferFee string         `envconfig:"WALLET_TRANSFER_FEE" default:"5.00"`
}

// Directory resolves phone numbers to account IDs for send-money.
type Directory interface {
	AccountIDByPhone(ctx context.Context, normalizedPhone string) (string, error)
}

// Service exposes wallet operations to customers
type Service struct {
	store     Store
	engine    *Engine
	directory Directory
	publisher events.Publisher
	currency  money.Currency
	fee       money.Money
	logger    *slog.Logger
}

// NewService creates a wallet service
func NewService(store Store, engine *Engine, directory Directory, publisher events.Publisher, cfg Config, logger *slog.Logger) (*Service, error) {
	fee, err := money.Parse(cfg.TransferFee, cfg.Currency)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:     store,
		engine:    engine,
		directory: directory,
		publisher: publisher,
		currency:  cfg.Currency,
		fee:       fee,
		logger:    logger,
	}, nil
}

// SetDirectory wires the account directory after construction; accounts
// depend on wallets for registration.
func (s *Service) SetDirectory(d Directory) {
	s.directory = d
}

// Engine returns the transfer engine
func (s *Service) Engine() *Engine {
	return s.engine
}

// Currency returns the platform currency
func (s *Service) Currency() money.Currency {
	return s.currency
}

// OpenWallet returns the owner's wallet in the platform currency, creating it
// on first use.
func (s *Service) OpenWallet(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	const op = "wallet.OpenWallet"

	w, err := s.store.GetWalletByOwner(ctx, ownerID, s.currency)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, apperr.Wrap(apperr.Internal, op, "loading wallet", err)
	}

	now := s.engine.clock.Now()
	w = &domain.Wallet{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Currency:  s.currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return s.store.GetWalletByOwner(ctx, ownerID, s.currency)
		}
		return nil, apperr.Wrap(apperr.Internal, op, "creating wallet", err)
	}

	s.logger.Info("wallet opened", "wallet_id", w.ID, "owner_id", ownerID, "currency", w.Currency)

	if evt, err := events.NewEvent(events.EventWalletOpened, events.AggregateWallet, w.ID, events.WalletOpenedData{
		WalletID: w.ID,
		OwnerID:  ownerID,
		Currency: string(w.Currency),
	}); err == nil && s.publisher != nil {
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.Warn("failed to publish wallet opened", "error", err, "wallet_id", w.ID)
		}
	}
	return w, nil
}

// WalletFor returns the owner's wallet in the platform currency
func (s *Service) WalletFor(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	w, err := s.store.GetWalletByOwner(ctx, ownerID, s.currency)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "wallet.WalletFor", "wallet not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "wallet.WalletFor", "loading wallet", err)
	}
	return w, nil
}

// Statement sizing
const (
	DefaultStatementSize = 10
	MaxStatementSize     = 100
)

// Statement returns the owner's most recent entries, newest first
func (s *Service) Statement(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Entry, error) {
	if limit <= 0 {
		limit = DefaultStatementSize
	}
	if limit > MaxStatementSize {
		limit = MaxStatementSize
	}
	w, err := s.WalletFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntries(ctx, w.ID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "wallet.Statement", "loading statement", err)
	}
	return entries, nil
}

// BuyAirtime debits the owner's wallet for airtime sent to a phone
func (s *Service) BuyAirtime(ctx context.Context, ownerID string, amount money.Money, recipientPhone string) (*domain.Group, error) {
	p, err := phone.Normalize(recipientPhone)
	if err != nil {
		return nil, apperr.New(apperr.Validation, "wallet.BuyAirtime", "invalid phone number")
	}
	w, err := s.WalletFor(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return s.engine.Purchase(ctx, w.ID, amount,
		WithCounterparty(CounterpartyAirtime),
		WithDescription("Airtime for "+phone.Mask(p)),
	)
}

// SendMoney transfers amount to the account registered on recipientPhone,
// charging the configured flat fee.
func (s *Service) SendMoney(ctx context.Context, senderID, recipientPhone string, amount money.Money) (*domain.Group, error) {
	const op = "wallet.SendMoney"

	p, err := phone.Normalize(recipientPhone)
	if err != nil {
		return nil, apperr.New(apperr.Validation, op, "invalid phone number")
	}
	if s.directory == nil {
		return nil, apperr.New(apperr.Internal, op, "account directory not configured")
	}
	recipientID, err := s.directory.AccountIDByPhone(ctx, p)
	if err != nil {
		return nil, err
	}
	if recipientID == senderID {
		return nil, apperr.New(apperr.Validation, op, "cannot send money to yourself")
	}

	sender, err := s.WalletFor(ctx, senderID)
	if err != nil {
		return nil, err
	}
	recipient, err := s.WalletFor(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	fee := s.fee
	if fee.Currency != amount.Currency {
		return nil, apperr.New(apperr.Validation, op, "unsupported currency")
	}
	return s.engine.Transfer(ctx, sender.ID, recipient.ID, amount, fee,
		WithDescription("Send money to "+phone.Mask(p)),
	)
}

// TransferFee returns the flat fee charged by SendMoney
func (s *Service) TransferFee() money.Money {
	return s.fee
}

// SystemWallets lists the platform's revenue and escrow-hold wallets
func (s *Service) SystemWallets(ctx context.Context) ([]*domain.Wallet, error) {
	ws, err := s.store.ListSystemWallets(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "wallet.SystemWallets", "listing system wallets", err)
	}
	return ws, nil
}
