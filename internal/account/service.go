package account

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"escrowledger/internal/auth"
	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/clock"
	"escrowledger/internal/common/database"
	"escrowledger/internal/common/events"
	"escrowledger/internal/common/metrics"
	"escrowledger/internal/common/phone"
	"escrowledger/internal/otp"
	walletdomain "escrowledger/internal/wallet/domain"
)

// Config holds account configuration
type Config struct {
	MaxLoginAttempts  int `envconfig:"ACCOUNT_MAX_LOGIN_ATTEMPTS" default:"5"`
	MinPasswordLength int `envconfig:"ACCOUNT_MIN_PASSWORD_LENGTH" default:"8"`
	PasswordHashCost  int `envconfig:"ACCOUNT_PASSWORD_HASH_COST" default:"10"`
}

// OTP issues and verifies one-time codes. Implemented by *otp.Service.
type OTP interface {
	Generate(ctx context.Context, to otp.Recipient, purpose otp.Purpose, ttl time.Duration) error
	Verify(ctx context.Context, ownerID string, purpose otp.Purpose, code string) error
}

// Wallets opens the wallet every account gets on registration.
type Wallets interface {
	OpenWallet(ctx context.Context, ownerID string) (*walletdomain.Wallet, error)
}

// TxRunner runs fn as one unit of work. *database.DB implements it.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Session is returned once login is fully verified
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Account   *Account  `json:"account"`
}

// Challenge tells the client where a code was sent
type Challenge struct {
	Purpose otp.Purpose `json:"purpose"`
	SentTo  string      `json:"sent_to"`
}

// Service manages accounts
type Service struct {
	store     Store
	otp       OTP
	wallets   Wallets
	tokens    *auth.Tokens
	tx        TxRunner
	publisher events.Publisher
	metrics   *metrics.Metrics
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger
}

// Deps bundles the collaborators of the account service
type Deps struct {
	Store     Store
	OTP       OTP
	Wallets   Wallets
	Tokens    *auth.Tokens
	Tx        TxRunner
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Logger    *slog.Logger
}

// NewService creates an account service
func NewService(deps Deps, cfg Config) *Service {
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.PasswordHashCost == 0 {
		cfg.PasswordHashCost = bcrypt.DefaultCost
	}
	return &Service{
		store:     deps.Store,
		otp:       deps.OTP,
		wallets:   deps.Wallets,
		tokens:    deps.Tokens,
		tx:        deps.Tx,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		clock:     clk,
		cfg:       cfg,
		logger:    deps.Logger,
	}
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.WithTx(ctx, fn)
}

// Register creates a pending account with its wallet and sends a phone
// verification code.
func (s *Service) Register(ctx context.Context, rawPhone, email, password string) (*Account, error) {
	const op = "account.Register"

	p, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, apperr.New(apperr.Validation, op, "invalid phone number")
	}
	if err := s.checkPassword(op, password); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.PasswordHashCost)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, "hashing password", err)
	}

	now := s.clock.Now()
	a := &Account{
		ID:           uuid.NewString(),
		Phone:        p,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: string(hash),
		Status:       StatusPendingVerification,
		Role:         auth.RoleCustomer,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.store.Create(ctx, a); err != nil {
			return err
		}
		_, err := s.wallets.OpenWallet(ctx, a.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return nil, apperr.New(apperr.Conflict, op, "an account with this phone number already exists")
		}
		if _, ok := apperr.As(err); ok {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.Internal, op, "creating account", err)
	}

	s.logger.Info("account registered", "account_id", a.ID, "phone", phone.Mask(a.Phone))
	s.publish(ctx, events.EventAccountRegistered, a, "")

	if err := s.otp.Generate(ctx, recipient(a), otp.PurposePhoneVerification, 0); err != nil {
		// The account exists; the client can ask for a resend.
		s.logger.Warn("phone verification code not issued", "error", err, "account_id", a.ID)
	}
	return a, nil
}

// VerifyPhone activates a pending account
func (s *Service) VerifyPhone(ctx context.Context, rawPhone, code string) (*Account, error) {
	const op = "account.VerifyPhone"

	a, err := s.byPhone(ctx, op, rawPhone)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPendingVerification {
		return nil, apperr.New(apperr.InvalidState, op, "phone number already verified")
	}
	if err := s.otp.Verify(ctx, a.ID, otp.PurposePhoneVerification, code); err != nil {
		return nil, err
	}
	if err := s.setStatus(ctx, op, a, StatusActive, ""); err != nil {
		return nil, err
	}
	return a, nil
}

// Login checks the password and sends a login code. The session is issued by
// VerifyLogin.
func (s *Service) Login(ctx context.Context, rawPhone, password string) (*Challenge, error) {
	const op = "account.Login"

	a, err := s.byPhone(ctx, op, rawPhone)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil, apperr.New(apperr.Unauthorized, op, "invalid phone number or password")
		}
		return nil, err
	}
	if err := s.usable(op, a); err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) != nil {
		n, err := s.store.RecordLoginFailure(ctx, a.ID)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, op, "recording login failure", err)
		}
		if n >= s.cfg.MaxLoginAttempts {
			if err := s.setStatus(ctx, op, a, StatusLocked, "too many failed login attempts"); err != nil {
				return nil, err
			}
			s.metrics.AccountLocked("password")
			return nil, apperr.New(apperr.AccountLocked, op, "account locked after too many failed attempts")
		}
		return nil, apperr.New(apperr.Unauthorized, op, "invalid phone number or password")
	}

	if a.FailedLogins > 0 {
		if err := s.store.ResetLoginFailures(ctx, a.ID); err != nil {
			return nil, apperr.Wrap(apperr.Internal, op, "resetting login failures", err)
		}
	}
	if err := s.otp.Generate(ctx, recipient(a), otp.PurposeLogin, 0); err != nil {
		return nil, err
	}
	return &Challenge{Purpose: otp.PurposeLogin, SentTo: phone.Mask(a.Phone)}, nil
}

// VerifyLogin checks the login code and issues a session token
func (s *Service) VerifyLogin(ctx context.Context, rawPhone, code string) (*Session, error) {
	const op = "account.VerifyLogin"

	a, err := s.byPhone(ctx, op, rawPhone)
	if err != nil {
		return nil, err
	}
	if err := s.usable(op, a); err != nil {
		return nil, err
	}
	if err := s.otp.Verify(ctx, a.ID, otp.PurposeLogin, code); err != nil {
		return nil, err
	}

	token, exp, err := s.tokens.Issue(a.Actor())
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, "issuing token", err)
	}
	s.logger.Info("login verified", "account_id", a.ID)
	return &Session{Token: token, ExpiresAt: exp, Account: a}, nil
}

// ResendOTP issues a fresh code for purpose. Refused for locked accounts.
func (s *Service) ResendOTP(ctx context.Context, rawPhone string, purpose otp.Purpose) (*Challenge, error) {
	const op = "account.ResendOTP"

	a, err := s.byPhone(ctx, op, rawPhone)
	if err != nil {
		return nil, err
	}
	switch {
	case a.Status == StatusLocked:
		return nil, apperr.New(apperr.AccountLocked, op, "account is locked")
	case a.Status == StatusSuspended:
		return nil, apperr.New(apperr.Unauthorized, op, "account is suspended")
	case purpose == otp.PurposePhoneVerification && a.Status != StatusPendingVerification:
		return nil, apperr.New(apperr.InvalidState, op, "phone number already verified")
	case purpose != otp.PurposePhoneVerification && a.Status != StatusActive:
		return nil, apperr.New(apperr.InvalidState, op, "verify your phone number first")
	}
	if err := s.otp.Generate(ctx, recipient(a), purpose, 0); err != nil {
		return nil, err
	}
	return &Challenge{Purpose: purpose, SentTo: phone.Mask(a.Phone)}, nil
}

// RequestPasswordReset sends a reset code. Unknown numbers succeed silently
// so the endpoint cannot be used to discover accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, rawPhone string) error {
	const op = "account.RequestPasswordReset"

	a, err := s.byPhone(ctx, op, rawPhone)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			return nil
		}
		return err
	}
	if a.Status == StatusLocked {
		return apperr.New(apperr.AccountLocked, op, "account is locked")
	}
	return s.otp.Generate(ctx, recipient(a), otp.PurposePasswordReset, 0)
}

// ResetPassword sets a new password after verifying the reset code
func (s *Service) ResetPassword(ctx context.Context, rawPhone, code, newPassword string) error {
	const op = "account.ResetPassword"

	if err := s.checkPassword(op, newPassword); err != nil {
		return err
	}
	a, err := s.byPhone(ctx, op, rawPhone)
	if err != nil {
		return err
	}
	if err := s.otp.Verify(ctx, a.ID, otp.PurposePasswordReset, code); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cfg.PasswordHashCost)
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, "hashing password", err)
	}
	if err := s.store.SetPassword(ctx, a.ID, string(hash), s.clock.Now()); err != nil {
		return apperr.Wrap(apperr.Internal, op, "updating password", err)
	}
	s.logger.Info("password reset", "account_id", a.ID)
	return nil
}

// SetStatus lets an administrator unlock, suspend or reactivate an account
func (s *Service) SetStatus(ctx context.Context, actor auth.Actor, id string, status Status, reason string) (*Account, error) {
	const op = "account.SetStatus"

	if !actor.IsAdmin() {
		return nil, apperr.New(apperr.Unauthorized, op, "administrators only")
	}
	if status != StatusActive && status != StatusSuspended && status != StatusLocked {
		return nil, apperr.Newf(apperr.Validation, op, "cannot set status %q", status)
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusPendingVerification && status == StatusActive {
		return nil, apperr.New(apperr.InvalidState, op, "account has not verified its phone number")
	}
	if status == StatusActive {
		if err := s.store.ResetLoginFailures(ctx, a.ID); err != nil {
			return nil, apperr.Wrap(apperr.Internal, op, "resetting login failures", err)
		}
	}
	if err := s.setStatus(ctx, op, a, status, reason); err != nil {
		return nil, err
	}
	s.logger.Info("account status set by admin", "account_id", a.ID, "status", status, "admin_id", actor.AccountID)
	return a, nil
}

// Get returns an account by ID
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	a, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "account.Get", "account not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "account.Get", "loading account", err)
	}
	return a, nil
}

// AccountIDByPhone resolves a recipient for send-money. Only active accounts
// can receive.
func (s *Service) AccountIDByPhone(ctx context.Context, normalizedPhone string) (string, error) {
	a, err := s.byPhone(ctx, "account.AccountIDByPhone", normalizedPhone)
	if err != nil {
		return "", err
	}
	if a.Status != StatusActive {
		return "", apperr.New(apperr.Validation, "account.AccountIDByPhone", "recipient cannot receive money")
	}
	return a.ID, nil
}

// PromoteToMerchant grants the merchant role
func (s *Service) PromoteToMerchant(ctx context.Context, accountID string) error {
	if err := s.store.SetRole(ctx, accountID, auth.RoleMerchant, s.clock.Now()); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return apperr.New(apperr.NotFound, "account.PromoteToMerchant", "account not found")
		}
		return apperr.Wrap(apperr.Internal, "account.PromoteToMerchant", "updating role", err)
	}
	return nil
}

// IsLocked reports whether the account is locked
func (s *Service) IsLocked(ctx context.Context, accountID string) (bool, error) {
	a, err := s.store.GetByID(ctx, accountID)
	if err != nil {
		return false, err
	}
	return a.Status == StatusLocked, nil
}

// Lock locks the account
func (s *Service) Lock(ctx context.Context, accountID, reason string) error {
	a, err := s.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if a.Status == StatusLocked {
		return nil
	}
	return s.setStatus(ctx, "account.Lock", a, StatusLocked, reason)
}

// CheckActive rejects sessions of locked or suspended accounts
func (s *Service) CheckActive(ctx context.Context, accountID string) error {
	a, err := s.Get(ctx, accountID)
	if err != nil {
		return err
	}
	return s.usable("account.CheckActive", a)
}

// Contact returns where notifications for an account go
func (s *Service) Contact(ctx context.Context, accountID string) (otp.Recipient, error) {
	a, err := s.Get(ctx, accountID)
	if err != nil {
		return otp.Recipient{}, err
	}
	return recipient(a), nil
}

func (s *Service) usable(op string, a *Account) error {
	switch a.Status {
	case StatusActive:
		return nil
	case StatusLocked:
		return apperr.New(apperr.AccountLocked, op, "account is locked")
	case StatusPendingVerification:
		return apperr.New(apperr.Unauthorized, op, "verify your phone number first")
	}
	return apperr.New(apperr.Unauthorized, op, "account is suspended")
}

func (s *Service) setStatus(ctx context.Context, op string, a *Account, status Status, reason string) error {
	now := s.clock.Now()
	if err := s.store.SetStatus(ctx, a.ID, status, reason, now); err != nil {
		return apperr.Wrap(apperr.Internal, op, "updating account status", err)
	}
	a.Status = status
	a.StatusReason = reason
	a.UpdatedAt = now
	if status == StatusActive && a.VerifiedAt == nil {
		a.VerifiedAt = &now
	}
	if status == StatusLocked {
		s.logger.Warn("account locked", "account_id", a.ID, "reason", reason)
		s.publish(ctx, events.EventAccountLocked, a, reason)
	}
	return nil
}

func (s *Service) byPhone(ctx context.Context, op, rawPhone string) (*Account, error) {
	p, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, apperr.New(apperr.Validation, op, "invalid phone number")
	}
	a, err := s.store.GetByPhone(ctx, p)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, op, "account not found")
		}
		return nil, apperr.Wrap(apperr.Internal, op, "loading account", err)
	}
	return a, nil
}

func (s *Service) checkPassword(op, password string) error {
	if len(password) < s.cfg.MinPasswordLength {
		return apperr.Newf(apperr.Validation, op, "password must be at least %d characters", s.cfg.MinPasswordLength)
	}
	if len(password) > 72 {
		return apperr.New(apperr.Validation, op, "password must be at most 72 characters")
	}
	return nil
}

func (s *Service) publish(ctx context.Context, eventType string, a *Account, reason string) {
	if s.publisher == nil {
		return
	}
	evt, err := events.NewEvent(eventType, events.AggregateAccount, a.ID, events.AccountData{
		AccountID: a.ID,
		Phone:     a.Phone,
		Role:      string(a.Role),
		Reason:    reason,
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish account event", "error", err, "account_id", a.ID)
	}
}

func recipient(a *Account) otp.Recipient {
	return otp.Recipient{AccountID: a.ID, Phone: a.Phone, Email: a.Email}
}
