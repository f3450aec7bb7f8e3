package billing

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"hospipay/internal/common/money"
)

// NATS subjects for billing and reconciliation events
const (
	SubjectInvoiceCreated   = "billing.invoice.created"
	SubjectInvoicePaid      = "billing.invoice.paid"
	SubjectPaymentReceived  = "billing.payment.received"
	SubjectPaymentRefunded  = "billing.payment.refunded"
	SubjectPaymentUnmatched = "recon.payment.unmatched"
	SubjectPaymentHeld      = "recon.payment.held"
)

// EventType identifies the type of billing event.
type EventType string

const (
	EventInvoiceCreated   EventType = "billing.invoice.created"
	EventInvoicePaid      EventType = "billing.invoice.paid"
	EventPaymentReceived  EventType = "billing.payment.received"
	EventPaymentRefunded  EventType = "billing.payment.refunded"
	EventPaymentUnmatched EventType = "recon.payment.unmatched"
	EventPaymentHeld      EventType = "recon.payment.held"
)

// Envelope wraps all events with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope.
func NewEnvelope(eventType EventType, correlationID string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          jsonData,
	}, nil
}

// InvoiceCreatedEvent is published when an invoice is created.
type InvoiceCreatedEvent struct {
	InvoiceID     string      `json:"invoice_id"`
	InvoiceNumber string      `json:"invoice_number"`
	PatientID     string      `json:"patient_id"`
	TotalAmount   money.Money `json:"total_amount"`
}

// PaymentReceivedEvent is published when a payment is applied to an invoice.
type PaymentReceivedEvent struct {
	PaymentID            string      `json:"payment_id"`
	InvoiceID            string      `json:"invoice_id"`
	InvoiceNumber        string      `json:"invoice_number"`
	Amount               money.Money `json:"amount"`
	Method               Method      `json:"method"`
	TransactionReference string      `json:"transaction_reference,omitempty"`
	Balance              money.Money `json:"balance"`
}

// InvoicePaidEvent is published when an invoice balance reaches zero.
type InvoicePaidEvent struct {
	InvoiceID     string      `json:"invoice_id"`
	InvoiceNumber string      `json:"invoice_number"`
	PatientID     string      `json:"patient_id"`
	TotalAmount   money.Money `json:"total_amount"`
	PaidAt        time.Time   `json:"paid_at"`
}

// PaymentUnmatchedEvent is published when an inbound provider transaction
// could not be matched to any invoice.
type PaymentUnmatchedEvent struct {
	TransID       string      `json:"trans_id"`
	BillRefNumber string      `json:"bill_ref_number"`
	Amount        money.Money `json:"amount"`
	MSISDN        string      `json:"msisdn"`
	Reason        string      `json:"reason"`
	ReceivedAt    time.Time   `json:"received_at"`
}

// PaymentRefundedEvent is published when a completed payment is reversed.
type PaymentRefundedEvent struct {
	PaymentID        string      `json:"payment_id"`
	RefundID         string      `json:"refund_id"`
	InvoiceID        string      `json:"invoice_id"`
	Amount           money.Money `json:"amount"`
	Reason           string      `json:"reason,omitempty"`
	ProcessedBy      string      `json:"processed_by,omitempty"`
	OriginalReceived time.Time   `json:"original_received_at"`
}
