package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowledger/internal/auth"
	"escrowledger/internal/common/api"
	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/money"
	"escrowledger/internal/wallet"
	"escrowledger/internal/wallet/domain"
)

// Handler handles wallet HTTP requests
type Handler struct {
	service *wallet.Service
	topUp   http.HandlerFunc
	logger  *slog.Logger
}

// NewHandler creates a new wallet handler. topUp serves POST /topup and may
// be nil when no payment gateway is configured.
func NewHandler(service *wallet.Service, topUp http.HandlerFunc, logger *slog.Logger) *Handler {
	return &Handler{service: service, topUp: topUp, logger: logger}
}

// Routes returns the wallet routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.GetWallet)
	r.Get("/statement", h.GetStatement)
	r.Post("/airtime", h.BuyAirtime)
	r.Post("/transfer", h.SendMoney)
	if h.topUp != nil {
		r.Post("/topup", h.topUp)
	}

	return r
}

// AdminRoutes returns the platform wallet routes
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListSystemWallets)
	return r
}

// GetWallet handles GET /wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	wl, err := h.service.WalletFor(r.Context(), actor.AccountID)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, wl.View())
}

// GetStatement handles GET /wallet/statement
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	params := api.GetPaginationParams(r, wallet.DefaultStatementSize, wallet.MaxStatementSize)

	entries, err := h.service.Statement(r.Context(), actor.AccountID, params.Limit+1, params.Offset)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	hasMore := len(entries) > params.Limit
	if hasMore {
		entries = entries[:params.Limit]
	}
	api.WritePaginated(w, entries, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: hasMore,
	})
}

// AirtimeRequest is the API request for buying airtime
type AirtimeRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
	Phone  string `json:"phone" validate:"required,ke_phone"`
}

// BuyAirtime handles POST /wallet/airtime
func (h *Handler) BuyAirtime(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	var req AirtimeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	amount, err := h.amount(req.Amount)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	g, err := h.service.BuyAirtime(r.Context(), actor.AccountID, amount, req.Phone)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusCreated, receiptFor(g, actor.AccountID))
}

// SendMoneyRequest is the API request for a peer transfer
type SendMoneyRequest struct {
	Phone  string `json:"phone" validate:"required,ke_phone"`
	Amount string `json:"amount" validate:"required,numeric"`
}

// SendMoney handles POST /wallet/transfer
func (h *Handler) SendMoney(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	var req SendMoneyRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	amount, err := h.amount(req.Amount)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}

	g, err := h.service.SendMoney(r.Context(), actor.AccountID, req.Phone, amount)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusCreated, receiptFor(g, actor.AccountID))
}

// ListSystemWallets handles GET /admin/system-wallets
func (h *Handler) ListSystemWallets(w http.ResponseWriter, r *http.Request) {
	ws, err := h.service.SystemWallets(r.Context())
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	views := make([]domain.View, 0, len(ws))
	for _, wl := range ws {
		views = append(views, wl.View())
	}
	api.WriteData(w, http.StatusOK, views)
}

func (h *Handler) amount(raw string) (money.Money, error) {
	m, err := money.Parse(raw, h.service.Currency())
	if err != nil {
		return money.Money{}, apperr.Wrap(apperr.Validation, "wallet.api", "invalid amount", err)
	}
	return m, nil
}

// TransactionResponse summarizes a committed group from the caller's side.
type TransactionResponse struct {
	Reference string          `json:"reference"`
	Kind      string          `json:"kind"`
	Entries   []*domain.Entry `json:"entries"`
}

func receiptFor(g *domain.Group, ownerID string) TransactionResponse {
	resp := TransactionResponse{Reference: g.Reference, Kind: string(g.Kind)}
	for _, e := range g.Entries {
		if e.OwnerID == ownerID {
			resp.Entries = append(resp.Entries, e)
		}
	}
	return resp
}
