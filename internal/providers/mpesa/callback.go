package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"hospipay/internal/billing"
	"hospipay/internal/common/database"
	"hospipay/internal/common/money"
	"hospipay/internal/recon"
)

// Reconciler is the slice of the reconciliation engine the callback surface
// needs.
type Reconciler interface {
	Allocate(ctx context.Context, t *recon.ProviderTransaction) (*recon.Outcome, error)
	Notifier() *recon.Notifier
}

// InvoiceLookup resolves bill references for C2B validation.
type InvoiceLookup interface {
	GetInvoiceByNumber(ctx context.Context, number string) (*billing.Invoice, error)
}

// Webhook is the inbound callback surface for Daraja: STK push results and
// C2B paybill confirmation/validation. The provider retries until it gets a
// 200, so every handler acknowledges unconditionally and failures are
// resolved on our side from the persisted transaction.
type Webhook struct {
	reconciler Reconciler
	pushStore  PushStore
	invoices   InvoiceLookup
	logger     *slog.Logger
}

// NewWebhook creates the callback surface.
func NewWebhook(reconciler Reconciler, pushStore PushStore, invoices InvoiceLookup, logger *slog.Logger) *Webhook {
	return &Webhook{
		reconciler: reconciler,
		pushStore:  pushStore,
		invoices:   invoices,
		logger:     logger.With("component", "mpesa_webhook"),
	}
}

// Routes returns the callback routes. These are mounted outside API key
// auth; the provider does not send credentials.
func (h *Webhook) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/stk", h.handleSTKCallback)
	r.Post("/c2b/confirmation", h.handleC2BConfirmation)
	r.Post("/c2b/validation", h.handleC2BValidation)
	return r
}

type stkCallbackEnvelope struct {
	Body struct {
		STKCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (h *Webhook) handleSTKCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var envelope stkCallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		h.logger.ErrorContext(ctx, "decoding stk callback", "error", err)
		h.ack(w)
		return
	}
	cb := envelope.Body.STKCallback

	pushReq, err := h.pushStore.RecordPushResult(ctx, cb.CheckoutRequestID, cb.ResultCode, cb.ResultDesc)
	if err != nil {
		if !database.IsNotFound(err) {
			h.logger.ErrorContext(ctx, "recording push result",
				"checkout_request_id", cb.CheckoutRequestID, "error", err)
			h.ack(w)
			return
		}
		// No record of this push, either foreign or lost at initiation.
		// A successful result still moved money, so it falls through and
		// lands on the unallocated queue with no bill reference.
		h.logger.WarnContext(ctx, "stk callback for unknown push",
			"checkout_request_id", cb.CheckoutRequestID)
		pushReq = nil
	}

	if cb.ResultCode != 0 {
		h.logger.InfoContext(ctx, "stk push failed",
			"checkout_request_id", cb.CheckoutRequestID,
			"result_code", cb.ResultCode,
			"result_desc", cb.ResultDesc,
		)
		if pushReq != nil {
			h.reconciler.Notifier().Notify(pushReq.AccountReference, recon.Outcome{
				Status: recon.OutcomeFailed,
				Reason: cb.ResultDesc,
			})
		}
		h.ack(w)
		return
	}

	raw, _ := json.Marshal(envelope)
	t := h.pushTransaction(cb.CheckoutRequestID, pushReq, envelope, raw)
	if t == nil {
		h.ack(w)
		return
	}

	if _, err := h.reconciler.Allocate(ctx, t); err != nil {
		// The transaction row is persisted; allocation is retried from the
		// unallocated queue, so the provider still gets its ack.
		h.logger.ErrorContext(ctx, "allocating stk transaction",
			"trans_id", t.TransID, "error", err)
	}
	h.ack(w)
}

// pushTransaction builds the normalized transaction from a successful STK
// callback. The callback does not carry the bill reference; it comes from
// the push request recorded at initiation. With no push request the
// transaction is built from the callback metadata alone and reconciles as
// unmatched.
func (h *Webhook) pushTransaction(checkoutRequestID string, pushReq *PushRequest, envelope stkCallbackEnvelope, raw []byte) *recon.ProviderTransaction {
	var (
		receipt   string
		phone     string
		transTime string
		amount    money.Money
		billRef   string
	)
	if pushReq != nil {
		amount = pushReq.Amount
		billRef = pushReq.AccountReference
	}
	for _, item := range envelope.Body.STKCallback.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			_ = json.Unmarshal(item.Value, &receipt)
		case "PhoneNumber":
			var n json.Number
			if err := json.Unmarshal(item.Value, &n); err == nil {
				phone = n.String()
			}
		case "TransactionDate":
			var n json.Number
			if err := json.Unmarshal(item.Value, &n); err == nil {
				transTime = n.String()
			}
		case "Amount":
			var v float64
			if err := json.Unmarshal(item.Value, &v); err == nil {
				amount = money.FromMajor(v, money.KES)
			}
		}
	}

	if receipt == "" {
		h.logger.Error("stk callback missing receipt number",
			"checkout_request_id", checkoutRequestID)
		return nil
	}
	if phone == "" && pushReq != nil {
		phone = pushReq.PhoneNumber
	}
	if transTime == "" {
		transTime = time.Now().Format("20060102150405")
	}

	return &recon.ProviderTransaction{
		TransID:         receipt,
		TransactionType: "STK Push",
		TransTime:       transTime,
		Amount:          amount,
		BillRefNumber:   billRef,
		MSISDN:          phone,
		RawPayload:      raw,
		ReceivedAt:      time.Now().UTC(),
	}
}

// c2bPayload is the Daraja C2B confirmation/validation body.
type c2bPayload struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	OrgAccountBalance string `json:"OrgAccountBalance"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
	MiddleName        string `json:"MiddleName"`
	LastName          string `json:"LastName"`
}

func (h *Webhook) handleC2BConfirmation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload c2bPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.logger.ErrorContext(ctx, "decoding c2b confirmation", "error", err)
		h.ack(w)
		return
	}
	if payload.TransID == "" {
		h.logger.WarnContext(ctx, "c2b confirmation without TransID")
		h.ack(w)
		return
	}

	amount, err := money.Parse(payload.TransAmount, money.KES)
	if err != nil {
		h.logger.ErrorContext(ctx, "parsing c2b amount",
			"trans_id", payload.TransID, "amount", payload.TransAmount, "error", err)
		h.ack(w)
		return
	}

	raw, _ := json.Marshal(payload)
	t := &recon.ProviderTransaction{
		TransID:           payload.TransID,
		TransactionType:   payload.TransactionType,
		TransTime:         payload.TransTime,
		Amount:            amount,
		BusinessShortCode: payload.BusinessShortCode,
		BillRefNumber:     payload.BillRefNumber,
		OrgAccountBalance: payload.OrgAccountBalance,
		MSISDN:            payload.MSISDN,
		FirstName:         payload.FirstName,
		MiddleName:        payload.MiddleName,
		LastName:          payload.LastName,
		RawPayload:        raw,
		ReceivedAt:        time.Now().UTC(),
	}

	if _, err := h.reconciler.Allocate(ctx, t); err != nil {
		h.logger.ErrorContext(ctx, "allocating c2b transaction",
			"trans_id", t.TransID, "error", err)
	}
	h.ack(w)
}

// handleC2BValidation answers the provider's pre-payment check on the bill
// reference. Rejecting here stops the payer before money moves; anything
// accepted still goes through reconciliation on confirmation.
func (h *Webhook) handleC2BValidation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload c2bPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.logger.ErrorContext(ctx, "decoding c2b validation", "error", err)
		h.reject(w, "C2B00016", "Other Error")
		return
	}

	billRef := recon.NormalizeBillRef(payload.BillRefNumber)
	_, err := h.invoices.GetInvoiceByNumber(ctx, billRef)
	if err != nil {
		if database.IsNotFound(err) {
			h.logger.InfoContext(ctx, "c2b validation rejected",
				"bill_ref", billRef, "msisdn", payload.MSISDN)
			h.reject(w, "C2B00012", "Invalid Account Number")
			return
		}
		// On lookup failure accept and let reconciliation sort it out.
		h.logger.ErrorContext(ctx, "c2b validation lookup", "error", err)
	}
	h.ack(w)
}

func (h *Webhook) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"ResultCode":0,"ResultDesc":"Accepted"}`)
}

func (h *Webhook) reject(w http.ResponseWriter, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"ResultCode":%s,"ResultDesc":%s}`, strconv.Quote(code), strconv.Quote(desc))
}