package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowledger/internal/auth"
	"escrowledger/internal/common/api"
	"escrowledger/internal/common/apperr"
	"escrowledger/internal/common/money"
	"escrowledger/internal/escrow"
	"escrowledger/internal/escrow/domain"
)

// Handler handles escrow and merchant HTTP requests
type Handler struct {
	service *escrow.Service
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler
func NewHandler(service *escrow.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the escrow routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/listings", h.ActiveListings)
	r.Post("/", h.Initiate)
	r.Get("/", h.History)
	r.Route("/{escrowID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/pay", h.Pay)
		r.Post("/checkout", h.Checkout)
		r.Post("/deliver", h.Deliver)
		r.Post("/complete", h.Complete)
		r.Post("/dispute", h.Dispute)
		r.Post("/refund", h.Refund)
	})

	return r
}

// MerchantRoutes returns the merchant portal routes
func (h *Handler) MerchantRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Onboard)
	r.Post("/listings", h.CreateListing)
	r.Get("/listings", h.MyListings)
	r.Patch("/listings/{listingID}", h.UpdateListing)

	return r
}

// InitiateRequest is the API request for opening an escrow
type InitiateRequest struct {
	ListingID string `json:"listing_id" validate:"required,uuid"`
}

// Initiate handles POST /escrow
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	var req InitiateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	e, err := h.service.Initiate(r.Context(), actor, req.ListingID)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusCreated, e)
}

// History handles GET /escrow
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	params := api.GetPaginationParams(r, escrow.DefaultPageSize, escrow.MaxPageSize)

	out, err := h.service.History(r.Context(), actor, params.Limit+1, params.Offset)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	writePage(w, out, params)
}

// Get handles GET /escrow/{escrowID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	e, err := h.service.Get(r.Context(), actor, chi.URLParam(r, "escrowID"))
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, e)
}

// Pay handles POST /escrow/{escrowID}/pay
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Pay)
}

// CheckoutRequest is the API request for paying an escrow by STK push
type CheckoutRequest struct {
	Phone string `json:"phone" validate:"required,ke_phone"`
}

// Checkout handles POST /escrow/{escrowID}/checkout
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	var req CheckoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	e, err := h.service.Checkout(r.Context(), actor, chi.URLParam(r, "escrowID"), req.Phone)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusAccepted, e)
}

// Deliver handles POST /escrow/{escrowID}/deliver
func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Deliver)
}

// Complete handles POST /escrow/{escrowID}/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Complete)
}

// Refund handles POST /escrow/{escrowID}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Refund)
}

// DisputeRequest is the API request for raising a dispute
type DisputeRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// Dispute handles POST /escrow/{escrowID}/dispute
func (h *Handler) Dispute(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	var req DisputeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	e, err := h.service.Dispute(r.Context(), actor, chi.URLParam(r, "escrowID"), req.Reason)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, e)
}

// ActiveListings handles GET /escrow/listings
func (h *Handler) ActiveListings(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, escrow.DefaultPageSize, escrow.MaxPageSize)

	out, err := h.service.ActiveListings(r.Context(), params.Limit+1, params.Offset)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	writePage(w, out, params)
}

// OnboardRequest is the API request for becoming a merchant
type OnboardRequest struct {
	BusinessName string `json:"business_name" validate:"required,max=200"`
}

// Onboard handles POST /merchants
func (h *Handler) Onboard(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	var req OnboardRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	m, err := h.service.Onboard(r.Context(), actor, req.BusinessName)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusCreated, m)
}

// CreateListingRequest is the API request for a new listing
type CreateListingRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	Price       string `json:"price" validate:"required,numeric"`
	Currency    string `json:"currency" validate:"required,len=3"`
}

// CreateListing handles POST /merchants/listings
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	var req CreateListingRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	price, err := money.Parse(req.Price, money.Currency(req.Currency))
	if err != nil {
		api.WriteAppError(w, h.logger, apperr.Wrap(apperr.Validation, "escrow.api", "invalid price", err))
		return
	}

	l, err := h.service.CreateListing(r.Context(), actor, req.Name, req.Description, price)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusCreated, l)
}

// MyListings handles GET /merchants/listings
func (h *Handler) MyListings(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	params := api.GetPaginationParams(r, escrow.DefaultPageSize, escrow.MaxPageSize)

	out, err := h.service.MyListings(r.Context(), actor, params.Limit+1, params.Offset)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	writePage(w, out, params)
}

// UpdateListingRequest is the API request for toggling a listing
type UpdateListingRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// UpdateListing handles PATCH /merchants/listings/{listingID}
func (h *Handler) UpdateListing(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	var req UpdateListingRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	l, err := h.service.SetListingActive(r.Context(), actor, chi.URLParam(r, "listingID"), *req.Active)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, l)
}

type transitionFunc func(ctx context.Context, actor auth.Actor, id string) (*domain.Escrow, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	actor, _ := auth.ActorFromContext(r.Context())

	e, err := fn(r.Context(), actor, chi.URLParam(r, "escrowID"))
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, e)
}

// writePage trims the one-past-limit lookahead row and reports whether more exist.
func writePage[T any](w http.ResponseWriter, items []T, params api.PaginationParams) {
	hasMore := len(items) > params.Limit
	if hasMore {
		items = items[:params.Limit]
	}
	api.WritePaginated(w, items, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: hasMore,
	})
}
