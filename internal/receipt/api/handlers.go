package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowledger/internal/auth"
	"escrowledger/internal/common/api"
	"escrowledger/internal/receipt"
)

// Handler handles receipt HTTP requests
type Handler struct {
	service *receipt.Service
	logger  *slog.Logger
}

// NewHandler creates a new receipt handler
func NewHandler(service *receipt.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the receipt routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{reference}", h.Get)
	return r
}

// List handles GET /receipts
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	params := api.GetPaginationParams(r, 20, 100)

	out, err := h.service.List(r.Context(), actor.AccountID, params.Limit+1, params.Offset)
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

// Get handles GET /receipts/{reference}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	rc, err := h.service.Get(r.Context(), actor.AccountID, chi.URLParam(r, "reference"))
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, rc)
}
