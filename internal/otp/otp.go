// Package otp issues and verifies one-time codes for login, phone
// verification and password reset.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/clock"
	"escrowledger/internal/common/database"
	"escrowledger/internal/common/metrics"
	"escrowledger/internal/common/ratelimit"
	"escrowledger/internal/notify"
)

// Purpose scopes a code to one flow
type Purpose string

const (
	PurposeLogin             Purpose = "login"
	PurposePasswordReset     Purpose = "password_reset"
	PurposePhoneVerification Purpose = "phone_verification"
)

// Valid reports whether p is a known purpose
func (p Purpose) Valid() bool {
	switch p {
	case PurposeLogin, PurposePasswordReset, PurposePhoneVerification:
		return true
	}
	return false
}

// Code is a stored one-time code. Only its bcrypt hash is kept.
type Code struct {
	ID        string
	OwnerID   string
	Purpose   Purpose
	CodeHash  string
	ExpiresAt time.Time
	Used      bool
	Attempts  int
	CreatedAt time.Time
}

// Expired reports whether the code is past its expiry at now
func (c *Code) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Store persists codes
type Store interface {
	Create(ctx context.Context, c *Code) error
	// LatestActive returns the most recent unused code for owner and purpose.
	LatestActive(ctx context.Context, ownerID string, purpose Purpose) (*Code, error)
	RecordFailure(ctx context.Context, id string) error
	// FailedAttempts sums the attempts over every unused code for owner and purpose.
	FailedAttempts(ctx context.Context, ownerID string, purpose Purpose) (int, error)
	// Consume claims the code with id and retires every other unused code for
	// its owner and purpose. It returns ErrUsed when the code was already
	// claimed.
	Consume(ctx context.Context, c *Code) error
}

// ErrUsed is returned by Store.Consume when another verification claimed the
// code first.
var ErrUsed = errors.New("otp code already used")

// Guard reads and sets the owner's lock.
type Guard interface {
	IsLocked(ctx context.Context, ownerID string) (bool, error)
	Lock(ctx context.Context, ownerID, reason string) error
}

// Recipient is who a code is delivered to
type Recipient struct {
	AccountID string
	Phone     string
	Email     string
}

// Config holds OTP configuration
type Config struct {
	Length      int           `envconfig:"OTP_LENGTH" default:"6"`
	TTL         time.Duration `envconfig:"OTP_TTL" default:"10m"`
	MaxAttempts int           `envconfig:"OTP_MAX_ATTEMPTS" default:"3"`
	IssueLimit  int           `envconfig:"OTP_ISSUE_LIMIT" default:"5"`
	IssueWindow time.Duration `envconfig:"OTP_ISSUE_WINDOW" default:"15m"`
	HashCost    int           `envconfig:"OTP_HASH_COST" default:"10"`
}

// LockReason is recorded when too many wrong codes lock an account
const LockReason = "too many failed verification attempts"

// Service generates and verifies codes
type Service struct {
	store    Store
	guard    Guard
	notifier notify.Notifier
	limiter  ratelimit.Limiter
	metrics  *metrics.Metrics
	clock    clock.Clock
	cfg      Config
	logger   *slog.Logger

	newCode func(length int) (string, error)
}

// NewService creates an OTP service. limiter may be nil to disable issuance
// throttling.
func NewService(store Store, guard Guard, notifier notify.Notifier, limiter ratelimit.Limiter, m *metrics.Metrics, clk clock.Clock, cfg Config, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.Length <= 0 {
		cfg.Length = 6
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = bcrypt.DefaultCost
	}
	return &Service{
		store:    store,
		guard:    guard,
		notifier: notifier,
		limiter:  limiter,
		metrics:  m,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
		newCode:  randomDigits,
	}
}

// SetGuard wires the lock guard after construction; accounts depend on OTPs.
func (s *Service) SetGuard(g Guard) {
	s.guard = g
}

// Generate issues a code for purpose and delivers it. A zero ttl uses the
// configured default. Earlier codes stay valid until one is verified.
// Delivery failure is logged, never returned.
func (s *Service) Generate(ctx context.Context, to Recipient, purpose Purpose, ttl time.Duration) error {
	const op = "otp.Generate"

	if !purpose.Valid() {
		return apperr.Newf(apperr.Validation, op, "unknown purpose %q", purpose)
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	if s.limiter != nil && s.cfg.IssueLimit > 0 {
		count, retry, err := s.limiter.Consume(ctx, "otp:"+string(purpose), to.AccountID, s.cfg.IssueLimit, s.cfg.IssueWindow)
		if err != nil {
			// Throttling is a guard, not a dependency.
			s.logger.Warn("otp limiter unavailable", "error", err)
		} else if count > s.cfg.IssueLimit {
			return apperr.Newf(apperr.RateLimited, op, "too many codes requested, retry in %ds", retry)
		}
	}

	code, err := s.newCode(s.cfg.Length)
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, "generating code", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.HashCost)
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, "hashing code", err)
	}

	now := s.clock.Now()
	c := &Code{
		ID:        uuid.NewString(),
		OwnerID:   to.AccountID,
		Purpose:   purpose,
		CodeHash:  string(hash),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return apperr.Wrap(apperr.Internal, op, "storing code", err)
	}

	s.logger.Info("otp issued", "owner_id", to.AccountID, "purpose", purpose, "expires_at", c.ExpiresAt)

	if s.notifier != nil {
		err := s.notifier.Notify(ctx, notify.Message{
			AccountID: to.AccountID,
			Phone:     to.Phone,
			Email:     to.Email,
			Kind:      notify.KindOTP,
			Body:      fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(ttl.Minutes())),
			CreatedAt: now,
		})
		if err != nil {
			s.logger.Warn("otp delivery failed", "error", err, "owner_id", to.AccountID, "purpose", purpose)
		}
	}
	return nil
}

// Verify checks code against the owner's latest unused code for purpose.
// Success consumes every outstanding code for the purpose. Wrong codes count
// towards a lock across all outstanding codes.
func (s *Service) Verify(ctx context.Context, ownerID string, purpose Purpose, code string) error {
	const op = "otp.Verify"

	if s.guard != nil {
		locked, err := s.guard.IsLocked(ctx, ownerID)
		if err != nil {
			return apperr.Wrap(apperr.Internal, op, "checking account lock", err)
		}
		if locked {
			s.metrics.OTPVerification(string(purpose), "locked")
			return apperr.New(apperr.AccountLocked, op, "account is locked")
		}
	}

	c, err := s.store.LatestActive(ctx, ownerID, purpose)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.metrics.OTPVerification(string(purpose), "missing")
			return apperr.New(apperr.NotFound, op, "no active code, request a new one")
		}
		return apperr.Wrap(apperr.Internal, op, "loading code", err)
	}
	if c.Expired(s.clock.Now()) {
		s.metrics.OTPVerification(string(purpose), "expired")
		return apperr.New(apperr.Expired, op, "code has expired, request a new one")
	}

	if bcrypt.CompareHashAndPassword([]byte(c.CodeHash), []byte(code)) != nil {
		return s.fail(ctx, op, c)
	}

	if err := s.store.Consume(ctx, c); err != nil {
		if errors.Is(err, ErrUsed) {
			s.metrics.OTPVerification(string(purpose), "replayed")
			return apperr.New(apperr.InvalidCode, op, "code already used, request a new one")
		}
		return apperr.Wrap(apperr.Internal, op, "consuming codes", err)
	}
	s.metrics.OTPVerification(string(purpose), "ok")
	s.logger.Info("otp verified", "owner_id", ownerID, "purpose", purpose)
	return nil
}

func (s *Service) fail(ctx context.Context, op string, c *Code) error {
	s.metrics.OTPVerification(string(c.Purpose), "invalid")

	if err := s.store.RecordFailure(ctx, c.ID); err != nil {
		return apperr.Wrap(apperr.Internal, op, "recording attempt", err)
	}
	failed, err := s.store.FailedAttempts(ctx, c.OwnerID, c.Purpose)
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, "counting attempts", err)
	}

	s.logger.Warn("otp mismatch", "owner_id", c.OwnerID, "purpose", c.Purpose, "failed_attempts", failed)

	if failed >= s.cfg.MaxAttempts && s.guard != nil {
		if err := s.guard.Lock(ctx, c.OwnerID, LockReason); err != nil {
			return apperr.Wrap(apperr.Internal, op, "locking account", err)
		}
		s.metrics.AccountLocked("otp")
		return apperr.New(apperr.InvalidCode, op, "invalid code, account locked")
	}
	return apperr.Newf(apperr.InvalidCode, op, "invalid code, %d attempts left", s.cfg.MaxAttempts-failed)
}

// randomDigits draws a uniformly random numeric code.
func randomDigits(length int) (string, error) {
	max := big.NewInt(10)
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = byte('0' + n.Int64())
	}
	return string(out), nil
}
