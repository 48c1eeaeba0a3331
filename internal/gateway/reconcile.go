package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/database"
	"escrowledger/internal/gateway/mpesa"
)

// Sweep summarises one reconciliation run
type Sweep struct {
	Checked   int
	Completed int
	Failed    int
	Flagged   int
	Errors    int
}

// Reconcile queries the gateway for payments pending longer than StaleAfter
// and resolves them through the same path as callbacks. Only a result code
// from the gateway closes a payment. One still unanswered after ReviewAfter
// stays pending and is flagged for manual review; flagged payments leave the
// sweep and are resolved by a late callback or an operator requery.
func (s *Service) Reconcile(ctx context.Context) (Sweep, error) {
	const op = "gateway.Reconcile"

	var sweep Sweep
	now := s.clock.Now()
	pending, err := s.store.ListPending(ctx, now.Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		s.metrics.ReconcileRun(err, now)
		return sweep, fmt.Errorf("listing pending payments: %w", err)
	}

	for _, p := range pending {
		sweep.Checked++

		if s.pusher != nil {
			res, final, err := s.settle(ctx, p)
			switch {
			case err != nil:
				sweep.Errors++
				s.logger.Warn("status query failed", "error", err, "checkout_request_id", p.CheckoutRequestID)
			case final:
				if err := s.resolve(ctx, op, p, res); err != nil {
					sweep.Errors++
					s.logger.Error("failed to resolve payment", "error", err, "checkout_request_id", p.CheckoutRequestID)
					continue
				}
				if res.Status == StatusCompleted {
					sweep.Completed++
				} else {
					sweep.Failed++
				}
				continue
			}
		}

		if s.cfg.ReviewAfter > 0 && now.Sub(p.CreatedAt) >= s.cfg.ReviewAfter {
			if err := s.store.FlagForReview(ctx, p.CheckoutRequestID, now); err != nil {
				if errors.Is(err, ErrAlreadyResolved) {
					continue
				}
				sweep.Errors++
				s.logger.Error("failed to flag payment for review", "error", err, "checkout_request_id", p.CheckoutRequestID)
				continue
			}
			sweep.Flagged++
			s.metrics.PaymentFlagged()
			s.logger.Warn("payment unconfirmed, flagged for review",
				"checkout_request_id", p.CheckoutRequestID,
				"account_id", p.AccountID,
				"amount", p.Amount.String(),
				"age", now.Sub(p.CreatedAt).String(),
			)
		}
	}

	var runErr error
	if sweep.Errors > 0 {
		runErr = errors.New("reconciliation finished with errors")
	}
	s.metrics.ReconcileRun(runErr, now)
	if sweep.Checked > 0 {
		s.logger.Info("reconciliation sweep",
			"checked", sweep.Checked,
			"completed", sweep.Completed,
			"failed", sweep.Failed,
			"flagged", sweep.Flagged,
			"errors", sweep.Errors,
		)
	}
	return sweep, nil
}

// settle asks the gateway for p's outcome. final is false while the gateway
// is still processing or answers without a result code.
func (s *Service) settle(ctx context.Context, p *Payment) (Resolution, bool, error) {
	q, err := s.query(ctx, p)
	if err != nil {
		if mpesa.IsProcessing(err) {
			return Resolution{}, false, nil
		}
		return Resolution{}, false, err
	}
	code, ok := q.Result()
	if !ok {
		return Resolution{}, false, nil
	}
	res := Resolution{Status: StatusFailed, ResultCode: code, ResultDesc: q.ResultDesc, At: s.clock.Now()}
	if code == 0 {
		res.Status = StatusCompleted
	}
	return res, true, nil
}

func (s *Service) query(ctx context.Context, p *Payment) (*mpesa.QueryResponse, error) {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	q, err := s.pusher.QueryStatus(ctx, p.CheckoutRequestID)
	if mpesa.IsProcessing(err) {
		s.metrics.GatewayRequest("stk_query", nil)
	} else {
		s.metrics.GatewayRequest("stk_query", err)
	}
	if rerr := s.store.RecordQuery(context.WithoutCancel(ctx), p.CheckoutRequestID, s.clock.Now()); rerr != nil {
		s.logger.Warn("failed to record status query", "error", rerr, "checkout_request_id", p.CheckoutRequestID)
	}
	return q, err
}

// ReviewQueue lists pending payments flagged for manual review, oldest first
func (s *Service) ReviewQueue(ctx context.Context, limit, offset int) ([]*Payment, error) {
	out, err := s.store.ListFlagged(ctx, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "gateway.ReviewQueue", "listing flagged payments", err)
	}
	return out, nil
}

// Requery asks the gateway for a pending payment's outcome on an operator's
// behalf and resolves it when the answer is final.
func (s *Service) Requery(ctx context.Context, checkoutRequestID string) (*Payment, error) {
	const op = "gateway.Requery"

	if s.pusher == nil {
		return nil, apperr.New(apperr.GatewayUnavailable, op, "mobile money is not configured")
	}
	p, err := s.store.GetByCheckoutID(ctx, checkoutRequestID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, op, "payment not found")
		}
		return nil, apperr.Wrap(apperr.Internal, op, "loading payment", err)
	}
	if p.Status != StatusPending {
		return p, nil
	}

	res, final, err := s.settle(ctx, p)
	if err != nil {
		return nil, apperr.Wrap(apperr.GatewayUnavailable, op, "payment gateway unavailable, please try again", err)
	}
	if !final {
		return nil, apperr.New(apperr.InvalidState, op, "the gateway has no final result for this payment yet")
	}
	if err := s.resolve(ctx, op, p, res); err != nil {
		return nil, err
	}
	return s.store.GetByCheckoutID(ctx, checkoutRequestID)
}

// Reconciler runs Reconcile on a cron schedule
type Reconciler struct {
	service  *Service
	cron     *cron.Cron
	schedule string
	logger   *slog.Logger
}

// NewReconciler creates a reconciler for service's configured schedule
func NewReconciler(service *Service, logger *slog.Logger) *Reconciler {
	cl := cronLogger{logger: logger}
	return &Reconciler{
		service:  service,
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		schedule: service.cfg.ReconcileSchedule,
		logger:   logger,
	}
}

// Start schedules the sweep
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.service.Reconcile(ctx); err != nil {
			r.logger.Error("reconciliation sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling reconciliation %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.logger.Info("reconciliation scheduled", "schedule", r.schedule)
	return nil
}

// Stop stops scheduling and returns a context done when the running sweep
// finishes.
func (r *Reconciler) Stop() context.Context {
	return r.cron.Stop()
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
