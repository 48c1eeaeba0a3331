package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowledger/internal/account"
	"escrowledger/internal/auth"
	"escrowledger/internal/common/api"
	"escrowledger/internal/otp"
)

// Handler handles account HTTP requests
type Handler struct {
	service *account.Service
	logger  *slog.Logger
}

// NewHandler creates a new account handler
func NewHandler(service *account.Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Routes returns the public authentication routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/register", h.Register)
	r.Post("/verify-phone", h.VerifyPhone)
	r.Post("/login", h.Login)
	r.Post("/verify-login", h.VerifyLogin)
	r.Post("/resend-otp", h.ResendOTP)
	r.Post("/password-reset", h.RequestPasswordReset)
	r.Post("/password-reset/confirm", h.ResetPassword)

	return r
}

// AdminRoutes returns the account administration routes
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{accountID}", h.Get)
	r.Patch("/{accountID}/status", h.SetStatus)

	return r
}

// RegisterRequest is the API request for creating an account
type RegisterRequest struct {
	Phone    string `json:"phone" validate:"required,ke_phone"`
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// Register handles POST /auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	a, err := h.service.Register(r.Context(), req.Phone, req.Email, req.Password)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusCreated, a)
}

// CodeRequest carries a phone number and the code sent to it
type CodeRequest struct {
	Phone string `json:"phone" validate:"required,ke_phone"`
	Code  string `json:"code" validate:"required,numeric,min=4,max=10"`
}

// VerifyPhone handles POST /auth/verify-phone
func (h *Handler) VerifyPhone(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	a, err := h.service.VerifyPhone(r.Context(), req.Phone, req.Code)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, a)
}

// LoginRequest is the first step of login
type LoginRequest struct {
	Phone    string `json:"phone" validate:"required,ke_phone"`
	Password string `json:"password" validate:"required"`
}

// Login handles POST /auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	ch, err := h.service.Login(r.Context(), req.Phone, req.Password)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusAccepted, ch)
}

// VerifyLogin handles POST /auth/verify-login
func (h *Handler) VerifyLogin(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	sess, err := h.service.VerifyLogin(r.Context(), req.Phone, req.Code)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, sess)
}

// ResendRequest asks for a fresh code
type ResendRequest struct {
	Phone   string `json:"phone" validate:"required,ke_phone"`
	Purpose string `json:"purpose" validate:"required,oneof=login password_reset phone_verification"`
}

// ResendOTP handles POST /auth/resend-otp
func (h *Handler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req ResendRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	ch, err := h.service.ResendOTP(r.Context(), req.Phone, otp.Purpose(req.Purpose))
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusAccepted, ch)
}

// PasswordResetRequest starts a password reset
type PasswordResetRequest struct {
	Phone string `json:"phone" validate:"required,ke_phone"`
}

// RequestPasswordReset handles POST /auth/password-reset
func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), req.Phone); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "if the number is registered a reset code has been sent",
	})
}

// ResetPasswordRequest completes a password reset
type ResetPasswordRequest struct {
	Phone       string `json:"phone" validate:"required,ke_phone"`
	Code        string `json:"code" validate:"required,numeric,min=4,max=10"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=72"`
}

// ResetPassword handles POST /auth/password-reset/confirm
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	if err := h.service.ResetPassword(r.Context(), req.Phone, req.Code, req.NewPassword); err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Get handles GET /admin/accounts/{accountID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.Get(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, a)
}

// SetStatusRequest is the admin request for changing an account status
type SetStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active suspended locked"`
	Reason string `json:"reason" validate:"max=255"`
}

// SetStatus handles PATCH /admin/accounts/{accountID}/status
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())

	var req SetStatusRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	a, err := h.service.SetStatus(r.Context(), actor, chi.URLParam(r, "accountID"), account.Status(req.Status), req.Reason)
	if err != nil {
		api.WriteAppError(w, h.logger, err)
		return
	}
	api.WriteData(w, http.StatusOK, a)
}
