package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hospipay/internal/common/api"
	"hospipay/internal/common/database"
	"hospipay/internal/providers/mpesa"
	"hospipay/internal/session"
)

// Handler handles payment session HTTP requests
type Handler struct {
	manager *session.Manager
}

// NewHandler creates a new session handler
func NewHandler(manager *session.Manager) *Handler {
	return &Handler{manager: manager}
}

// Routes returns the session routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/sessions", h.CreateSession)
	r.Get("/sessions/{id}", h.GetSession)
	r.Get("/sessions/{id}/instructions", h.GetInstructions)
	r.Post("/sessions/{id}/start", h.StartSession)
	r.Post("/sessions/{id}/cancel", h.CancelSession)
	r.Post("/sessions/{id}/reset", h.ResetSession)
	r.Post("/sessions/{id}/close", h.CloseSession)
	r.Get("/pushes/{checkoutRequestId}", h.GetPushRequest)

	return r
}

// CreateSession handles POST /sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	s, err := h.manager.Create(r.Context(), req)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "invoice not found")
			return
		}
		api.UnprocessableEntity(w, api.ErrCodeInvoiceClosed, err.Error())
		return
	}

	api.WriteData(w, http.StatusCreated, s)
}

// GetSession handles GET /sessions/{id}. Clients poll this while the
// session is processing; countdown_seconds drives the on-screen timer.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		api.NotFound(w, "session not found")
		return
	}
	api.WriteData(w, http.StatusOK, s)
}

// GetInstructions handles GET /sessions/{id}/instructions
func (h *Handler) GetInstructions(w http.ResponseWriter, r *http.Request) {
	instructions, err := h.manager.Instructions(chi.URLParam(r, "id"))
	if err != nil {
		api.NotFound(w, "session not found")
		return
	}
	api.WriteData(w, http.StatusOK, instructions)
}

// StartSession handles POST /sessions/{id}/start
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req session.StartRequest
	if r.ContentLength > 0 {
		if err := api.DecodeAndValidate(r, &req); err != nil {
			api.ValidationError(w, err)
			return
		}
	}

	s, err := h.manager.Start(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			api.NotFound(w, "session not found")
		case errors.Is(err, mpesa.ErrInvalidPhone):
			api.UnprocessableEntity(w, api.ErrCodeInvalidPhone, "phone number is not a valid subscriber number")
		case errors.Is(err, mpesa.ErrInvalidPushAmount):
			api.UnprocessableEntity(w, api.ErrCodeValidation, "balance is not a whole number of shillings, use the paybill instructions")
		case errors.Is(err, mpesa.ErrGatewayUnavailable):
			api.WriteError(w, http.StatusBadGateway, api.ErrCodeGatewayUnavail, "payment gateway unavailable, try again")
		case errors.Is(err, session.ErrInvalidState):
			api.UnprocessableEntity(w, api.ErrCodeSessionState, err.Error())
		default:
			api.InternalError(w, "failed to start session")
		}
		return
	}

	api.WriteData(w, http.StatusOK, s)
}

// GetPushRequest handles GET /pushes/{checkoutRequestId}. Staff use it to
// check whether a push that never produced a callback was recorded.
func (h *Handler) GetPushRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.manager.PushRequest(r.Context(), chi.URLParam(r, "checkoutRequestId"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "push request not found")
			return
		}
		api.InternalError(w, "failed to load push request")
		return
	}
	api.WriteData(w, http.StatusOK, req)
}

// CancelSession handles POST /sessions/{id}/cancel
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Cancel(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			api.NotFound(w, "session not found")
			return
		}
		api.UnprocessableEntity(w, api.ErrCodeSessionState, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResetSession handles POST /sessions/{id}/reset
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.manager.Reset(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			api.NotFound(w, "session not found")
			return
		}
		api.UnprocessableEntity(w, api.ErrCodeSessionState, err.Error())
		return
	}
	api.WriteData(w, http.StatusOK, s)
}

// CloseSession handles POST /sessions/{id}/close
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Close(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			api.NotFound(w, "session not found")
			return
		}
		api.UnprocessableEntity(w, api.ErrCodeSessionState, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
