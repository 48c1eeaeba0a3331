package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowledger/internal/auth"
	"escrowledger/internal/common/api"
	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/money"
	"escrowledger/internal/gateway"
	"escrowledger/internal/gateway/mpesa"
)

const maxCallbackBytes = 64 << 10

// Handler handles mobile-money HTTP requests
type Handler struct {
	service       *gateway.Service
	currency      money.Currency
	callbackToken string
	logger        *slog.Logger
}

// NewHandler creates a new gateway handler. A non-empty callbackToken must be
// presented as the token query parameter on every callback.
func NewHandler(service *gateway.Service, currency money.Currency, callbackToken string, logger *slog.Logger) *Handler {
	return &Handler{service: service, currency: currency, callbackToken: callbackToken, logger: logger}
}

// Routes returns the public gateway routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/callback", h.Callback)
	return r
}

// AdminRoutes returns the payment review routes
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/review", h.ReviewQueue)
	r.Post("/{checkoutRequestID}/requery", h.Requery)
	return r
}

// Callback handles POST /mpesa/callback. Daraja retries anything but an
// acknowledgement, so every well-formed delivery is acknowledged; payments
// left pending by a failure here are picked up by reconciliation.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if h.callbackToken != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.callbackToken)) != 1 {
			h.logger.Warn("callback with bad token rejected", "remote_addr", r.RemoteAddr)
			api.Unauthorized(w, "invalid callback token")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		h.logger.Error("failed to read callback body", "error", err)
		api.WriteJSON(w, http.StatusOK, mpesa.Accepted)
		return
	}

	var cb mpesa.Callback
	if err := json.Unmarshal(body, &cb); err != nil || cb.Body.StkCallback.CheckoutRequestID == "" {
		h.logger.Error("malformed callback dropped", "error", err, "bytes", len(body))
		api.WriteJSON(w, http.StatusOK, mpesa.Accepted)
		return
	}

	stk := cb.Body.StkCallback
	h.logger.Info("received mobile money callback",
		"checkout_request_id", stk.CheckoutRequestID,
		"result_code", stk.ResultCode,
	)

	// The deposit commits even if Daraja hangs up on us.
	if err := h.service.HandleCallback(context.WithoutCancel(r.Context()), stk); err != nil {
		if apperr.Is(err, apperr.NotFound) {
			h.logger.Warn("callback for unknown checkout request dropped", "checkout_request_id", stk.CheckoutRequestID)
		} else {
			h.logger.Error("callback processing failed", "error", err, "checkout_request_id", stk.CheckoutRequestID)
		}
	}
	api.WriteJSON(w, http.StatusOK, mpesa.Accepted)
}

// TopUpRequest is the API request for an STK push top-up
type TopUpRequest struct {
	Phone  string `json:"phone" validate:"required,ke_phone"`
	Amount string `json:"amount" validate:"required,numeric"`
}

// TopUp handles POST /wallet/topup
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	var req TopUpRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	amount, err := money.Parse(req.Amount, h.currency)
	if err != nil {
		api.WriteAppError(w, h.logger, apperr.Wrap(apperr.Validation, "gateway.api", "invalid amount", err))
		return
	}

	p, err := h.service.TopUp(r.Context(), actor.AccountID, req.Phone, amount)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusAccepted, p)
}

// TopUps handles GET /wallet/topups
func (h *Handler) TopUps(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	params := api.GetPaginationParams(r, 20, 100)

	out, err := h.service.History(r.Context(), actor.AccountID, params.Limit, params.Offset)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, out)
}

// ReviewQueue handles GET /admin/payments/review
func (h *Handler) ReviewQueue(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 20, 100)

	out, err := h.service.ReviewQueue(r.Context(), params.Limit+1, params.Offset)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	hasMore := len(out) > params.Limit
	if hasMore {
		out = out[:params.Limit]
	}
	api.WritePaginated(w, out, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: hasMore,
	})
}

// Requery handles POST /admin/payments/{checkoutRequestID}/requery
func (h *Handler) Requery(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	id := chi.URLParam(r, "checkoutRequestID")

	p, err := h.service.Requery(r.Context(), id)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	h.logger.Info("payment requeried by operator", "checkout_request_id", id, "admin_id", actor.AccountID, "status", p.Status)
	api.WriteData(w, http.StatusOK, p)
}
