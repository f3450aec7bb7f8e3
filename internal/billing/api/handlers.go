package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hospipay/internal/billing"
	"hospipay/internal/common/api"
	"hospipay/internal/common/database"
	"hospipay/internal/common/middleware"
	"hospipay/internal/common/money"
)

// Handler handles invoice ledger HTTP requests
type Handler struct {
	service *billing.Service
}

// NewHandler creates a new billing handler
func NewHandler(service *billing.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the billing routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/invoices", h.CreateInvoice)
	r.Get("/invoices", h.ListInvoices)
	r.Get("/invoices/{id}", h.GetInvoice)
	r.Post("/invoices/{id}/cancel", h.CancelInvoice)
	r.Get("/invoices/{id}/payments", h.ListPayments)
	r.Post("/invoices/{id}/payments", h.RecordPayment)
	r.Get("/invoices/by-number/{number}", h.GetInvoiceByNumber)

	r.Post("/payments/{id}/refund", h.RefundPayment)
	r.Get("/payments/{id}/receipt", h.GetReceipt)

	return r
}

// CreateInvoice handles POST /invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req billing.CreateInvoiceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), req)
	if err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			api.Conflict(w, "invoice with this number already exists")
			return
		}
		if errors.Is(err, billing.ErrInvalidAmount) {
			api.BadRequest(w, err.Error())
			return
		}
		api.InternalError(w, "failed to create invoice")
		return
	}

	api.WriteData(w, http.StatusCreated, inv)
}

// ListInvoices handles GET /invoices
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 20, 100)
	filter := billing.ListFilter{
		PatientID: r.URL.Query().Get("patient_id"),
		Status:    billing.InvoiceStatus(r.URL.Query().Get("status")),
		Limit:     params.Limit,
		Offset:    params.Offset,
	}

	invoices, total, err := h.service.ListInvoices(r.Context(), filter)
	if err != nil {
		api.InternalError(w, "failed to list invoices")
		return
	}

	api.WritePaginated(w, invoices, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(invoices)) < total,
	})
}

// GetInvoice handles GET /invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "invoice ID required")
		return
	}

	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "invoice not found")
			return
		}
		api.InternalError(w, "failed to get invoice")
		return
	}

	api.WriteData(w, http.StatusOK, inv)
}

// GetInvoiceByNumber handles GET /invoices/by-number/{number}
func (h *Handler) GetInvoiceByNumber(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if number == "" {
		api.BadRequest(w, "invoice number required")
		return
	}

	inv, err := h.service.GetInvoiceByNumber(r.Context(), number)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "invoice not found")
			return
		}
		api.InternalError(w, "failed to get invoice")
		return
	}

	api.WriteData(w, http.StatusOK, inv)
}

// CancelInvoiceRequest is the API request for cancelling an invoice
type CancelInvoiceRequest struct {
	Reason string `json:"reason" validate:"required,max=200"`
}

// CancelInvoice handles POST /invoices/{id}/cancel
func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "invoice ID required")
		return
	}

	var req CancelInvoiceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	inv, err := h.service.CancelInvoice(r.Context(), id, req.Reason)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "invoice not found")
			return
		}
		if errors.Is(err, billing.ErrInvoiceClosed) {
			api.UnprocessableEntity(w, api.ErrCodeInvoiceClosed, "invoice is already closed")
			return
		}
		api.Conflict(w, err.Error())
		return
	}

	api.WriteData(w, http.StatusOK, inv)
}

// RecordPaymentRequest is the API request for recording a counter payment
type RecordPaymentRequest struct {
	Amount               string `json:"amount" validate:"required"`
	Method               string `json:"method" validate:"required,oneof=cash mpesa card insurance bank_transfer"`
	TransactionReference string `json:"transaction_reference,omitempty"`
	PayerPhone           string `json:"payer_phone,omitempty"`
}

// RecordPayment handles POST /invoices/{id}/payments. This is the counter
// path for cash, card and insurance payments taken by staff; mobile-money
// payments arrive through the gateway callbacks instead.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "invoice ID required")
		return
	}

	var req RecordPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	amount, err := money.Parse(req.Amount, money.KES)
	if err != nil {
		api.BadRequest(w, "invalid amount")
		return
	}

	inv, payment, err := h.service.ApplyPayment(r.Context(), billing.ApplyPaymentRequest{
		InvoiceID:            id,
		Amount:               amount,
		Method:               billing.Method(req.Method),
		TransactionReference: req.TransactionReference,
		PayerPhone:           req.PayerPhone,
		ReceivedBy:           middleware.GetStaffID(r.Context()),
	})
	if err != nil {
		writePaymentError(w, err)
		return
	}

	api.WriteData(w, http.StatusCreated, map[string]interface{}{
		"invoice": inv,
		"payment": payment,
	})
}

// ListPayments handles GET /invoices/{id}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "invoice ID required")
		return
	}

	payments, err := h.service.ListPayments(r.Context(), id)
	if err != nil {
		api.InternalError(w, "failed to list payments")
		return
	}

	api.WriteData(w, http.StatusOK, payments)
}

// RefundPayment handles POST /payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "payment ID required")
		return
	}

	var req struct {
		Reason string `json:"reason" validate:"required,max=200"`
	}
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	refund, err := h.service.RefundPayment(r.Context(), billing.RefundPaymentRequest{
		PaymentID: id,
		Reason:    req.Reason,
	})
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment not found")
			return
		}
		if errors.Is(err, database.ErrConflict) {
			api.Conflict(w, err.Error())
			return
		}
		api.InternalError(w, "failed to refund payment")
		return
	}

	api.WriteData(w, http.StatusCreated, refund)
}

// GetReceipt handles GET /payments/{id}/receipt
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "payment ID required")
		return
	}

	receipt, err := h.service.BuildReceipt(r.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment not found")
			return
		}
		if errors.Is(err, database.ErrConflict) {
			api.Conflict(w, err.Error())
			return
		}
		api.InternalError(w, "failed to build receipt")
		return
	}

	api.WriteData(w, http.StatusOK, receipt)
}

func writePaymentError(w http.ResponseWriter, err error) {
	switch {
	case database.IsNotFound(err):
		api.NotFound(w, "invoice not found")
	case errors.Is(err, billing.ErrOverpayment):
		api.UnprocessableEntity(w, api.ErrCodeOverpayment, "payment exceeds invoice balance")
	case errors.Is(err, billing.ErrInvoiceClosed):
		api.UnprocessableEntity(w, api.ErrCodeInvoiceClosed, "invoice is paid or cancelled")
	case errors.Is(err, billing.ErrDuplicateReference):
		api.Conflict(w, "transaction reference already applied")
	case errors.Is(err, billing.ErrInvalidAmount):
		api.BadRequest(w, "amount must be positive")
	default:
		api.InternalError(w, "failed to record payment")
	}
}
