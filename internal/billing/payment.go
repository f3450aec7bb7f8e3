package billing

import (
	"time"

	"hospipay/internal/common/money"
)

// Method represents how a payment was made.
type Method string

const (
	MethodCash         Method = "cash"
	MethodMpesa        Method = "mpesa"
	MethodCard         Method = "card"
	MethodInsurance    Method = "insurance"
	MethodBankTransfer Method = "bank_transfer"
)

// PaymentStatus represents the status of a payment record.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment is an append-only record of money received against an invoice.
// Completed payments are never edited; corrections are written as refund
// reversal records pointing back at the original.
type Payment struct {
	ID                   string        `json:"id"`
	InvoiceID            string        `json:"invoice_id"`
	Amount               money.Money   `json:"amount"`
	Method               Method        `json:"method"`
	Status               PaymentStatus `json:"status"`
	TransactionReference string        `json:"transaction_reference,omitempty"`
	PayerPhone           string        `json:"payer_phone,omitempty"`
	ReceivedBy           string        `json:"received_by,omitempty"`
	ReversesPaymentID    string        `json:"reverses_payment_id,omitempty"`
	ReceivedAt           time.Time     `json:"received_at"`
	CreatedAt            time.Time     `json:"created_at"`
}

// Receipt holds the inputs the receipt renderer needs for a finalized payment.
type Receipt struct {
	ReceiptNumber string      `json:"receipt_number"`
	InvoiceNumber string      `json:"invoice_number"`
	PatientID     string      `json:"patient_id"`
	Items         []LineItem  `json:"items"`
	Subtotal      money.Money `json:"subtotal"`
	Total         money.Money `json:"total"`
	AmountPaid    money.Money `json:"amount_paid"`
	Balance       money.Money `json:"balance"`
	PaymentMethod Method      `json:"payment_method"`
	TransactionID string      `json:"transaction_id,omitempty"`
	IssuedAt      time.Time   `json:"issued_at"`
}
