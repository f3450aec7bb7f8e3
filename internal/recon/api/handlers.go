package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hospipay/internal/common/api"
	"hospipay/internal/common/database"
	"hospipay/internal/recon"
)

// Handler handles reconciliation HTTP requests
type Handler struct {
	engine *recon.Engine
}

// NewHandler creates a new reconciliation handler
func NewHandler(engine *recon.Engine) *Handler {
	return &Handler{engine: engine}
}

// Routes returns the reconciliation routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/transactions/unallocated", h.ListUnallocated)
	r.Get("/transactions/{transId}", h.GetTransaction)
	r.Post("/transactions/{transId}/allocate", h.AllocateManual)

	return r
}

// ListUnallocated handles GET /transactions/unallocated. These are the
// payments that arrived but could not be applied: wrong reference, closed
// invoice, or amount above the balance.
func (h *Handler) ListUnallocated(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 20, 100)

	txns, total, err := h.engine.ListUnallocated(r.Context(), params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list unallocated transactions")
		return
	}

	api.WritePaginated(w, txns, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(txns)) < total,
	})
}

// GetTransaction handles GET /transactions/{transId}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	transID := chi.URLParam(r, "transId")
	if transID == "" {
		api.BadRequest(w, "transaction ID required")
		return
	}

	t, err := h.engine.GetTransaction(r.Context(), transID)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "transaction not found")
			return
		}
		api.InternalError(w, "failed to get transaction")
		return
	}

	api.WriteData(w, http.StatusOK, t)
}

// AllocateManualRequest is the API request for manual allocation
type AllocateManualRequest struct {
	InvoiceID string `json:"invoice_id" validate:"required"`
}

// AllocateManual handles POST /transactions/{transId}/allocate. Staff use
// it to resolve an unallocated transaction against the invoice the payer
// meant.
func (h *Handler) AllocateManual(w http.ResponseWriter, r *http.Request) {
	transID := chi.URLParam(r, "transId")
	if transID == "" {
		api.BadRequest(w, "transaction ID required")
		return
	}

	var req AllocateManualRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	outcome, err := h.engine.AllocateManual(r.Context(), transID, req.InvoiceID)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "transaction or invoice not found")
			return
		}
		if errors.Is(err, database.ErrConflict) {
			api.Conflict(w, err.Error())
			return
		}
		api.InternalError(w, "failed to allocate transaction")
		return
	}

	switch outcome.Status {
	case recon.OutcomeAllocated, recon.OutcomeDuplicate:
		api.WriteData(w, http.StatusOK, outcome)
	case recon.OutcomeOverAmount:
		api.UnprocessableEntity(w, api.ErrCodeOverpayment, outcome.Reason)
	case recon.OutcomeAlreadySettled:
		api.UnprocessableEntity(w, api.ErrCodeInvoiceClosed, outcome.Reason)
	default:
		api.UnprocessableEntity(w, api.ErrCodeUnmatched, outcome.Reason)
	}
}
