// Package billing provides the hospital invoice ledger: invoices, their
// payment history, and the balance rules payments are applied under.
package billing

import (
	"errors"
	"fmt"
	"time"

	"hospipay/internal/common/money"
)

// InvoiceStatus represents the lifecycle status of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoicePending   InvoiceStatus = "pending"
	InvoicePartial   InvoiceStatus = "partial"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceCancelled InvoiceStatus = "cancelled"
	InvoiceOverdue   InvoiceStatus = "overdue"
)

// Domain errors surfaced by the ledger.
var (
	ErrOverpayment        = errors.New("payment exceeds invoice balance")
	ErrInvoiceClosed      = errors.New("invoice is paid or cancelled")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrDuplicateReference = errors.New("transaction reference already applied")
)

// LineItem is a single billable item on an invoice.
type LineItem struct {
	Description string      `json:"description"`
	Quantity    int         `json:"quantity"`
	UnitPrice   money.Money `json:"unit_price"`
	Total       money.Money `json:"total"`
}

// Invoice is a billable invoice. The invoice number doubles as the payment
// account reference payers type into the paybill prompt.
type Invoice struct {
	ID            string        `json:"id"`
	InvoiceNumber string        `json:"invoice_number"`
	PatientID     string        `json:"patient_id"`
	TotalAmount   money.Money   `json:"total_amount"`
	PaidAmount    money.Money   `json:"paid_amount"`
	BalanceAmount money.Money   `json:"balance_amount"`
	Status        InvoiceStatus `json:"status"`
	LineItems     []LineItem    `json:"line_items"`
	DueDate       *time.Time    `json:"due_date,omitempty"`
	CancelledAt   *time.Time    `json:"cancelled_at,omitempty"`
	CancelReason  string        `json:"cancel_reason,omitempty"`
	CreatedBy     string        `json:"created_by,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewInvoice creates an invoice from its line items.
func NewInvoice(id, invoiceNumber, patientID, createdBy string, items []LineItem, dueDate *time.Time) (*Invoice, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if invoiceNumber == "" {
		return nil, errors.New("invoice_number is required")
	}
	if patientID == "" {
		return nil, errors.New("patient_id is required")
	}
	if len(items) == 0 {
		return nil, errors.New("at least one line item is required")
	}

	totals := make([]money.Money, 0, len(items))
	for i := range items {
		if items[i].Quantity <= 0 {
			return nil, fmt.Errorf("line item %d: quantity must be positive", i)
		}
		if !items[i].UnitPrice.IsPositive() {
			return nil, fmt.Errorf("line item %d: unit price must be positive", i)
		}
		items[i].Total = money.New(items[i].UnitPrice.AmountMinor*int64(items[i].Quantity), items[i].UnitPrice.Currency)
		totals = append(totals, items[i].Total)
	}

	total, err := money.Sum(totals...)
	if err != nil {
		return nil, fmt.Errorf("summing line items: %w", err)
	}

	now := time.Now().UTC()
	return &Invoice{
		ID:            id,
		InvoiceNumber: invoiceNumber,
		PatientID:     patientID,
		TotalAmount:   total,
		PaidAmount:    money.Zero(total.Currency),
		BalanceAmount: total,
		Status:        InvoicePending,
		LineItems:     items,
		DueDate:       dueDate,
		CreatedBy:     createdBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IsOpen reports whether the invoice can still accept payments.
func (i *Invoice) IsOpen() bool {
	switch i.Status {
	case InvoicePending, InvoicePartial, InvoiceOverdue, InvoiceDraft:
		return true
	}
	return false
}

// ApplyAmount records a payment amount against the invoice, recomputing
// balance and status. Overpayment is rejected: paid never exceeds total.
func (i *Invoice) ApplyAmount(amount money.Money) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if !i.IsOpen() {
		return ErrInvoiceClosed
	}
	if amount.GreaterThan(i.BalanceAmount) {
		return ErrOverpayment
	}

	paid, err := i.PaidAmount.Add(amount)
	if err != nil {
		return err
	}
	balance, err := i.BalanceAmount.Sub(amount)
	if err != nil {
		return err
	}

	i.PaidAmount = paid
	i.BalanceAmount = balance
	i.recomputeStatus()
	i.UpdatedAt = time.Now().UTC()
	return nil
}

// ReverseAmount backs out a refunded payment amount.
func (i *Invoice) ReverseAmount(amount money.Money) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if i.Status == InvoiceCancelled {
		return ErrInvoiceClosed
	}
	if amount.GreaterThan(i.PaidAmount) {
		return fmt.Errorf("refund %s exceeds paid amount %s", amount, i.PaidAmount)
	}

	paid, err := i.PaidAmount.Sub(amount)
	if err != nil {
		return err
	}
	balance, err := i.BalanceAmount.Add(amount)
	if err != nil {
		return err
	}

	i.PaidAmount = paid
	i.BalanceAmount = balance
	i.recomputeStatus()
	i.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel closes the invoice. Only invoices with no payments can be cancelled.
func (i *Invoice) Cancel(reason string) error {
	if i.Status == InvoicePaid || i.Status == InvoiceCancelled {
		return ErrInvoiceClosed
	}
	if i.PaidAmount.IsPositive() {
		return errors.New("cannot cancel an invoice with payments; refund first")
	}

	now := time.Now().UTC()
	i.Status = InvoiceCancelled
	i.CancelledAt = &now
	i.CancelReason = reason
	i.UpdatedAt = now
	return nil
}

// MarkOverdue flags an open unpaid invoice past its due date.
func (i *Invoice) MarkOverdue(now time.Time) bool {
	if !i.IsOpen() || i.Status == InvoiceOverdue {
		return false
	}
	if i.DueDate == nil || now.Before(*i.DueDate) {
		return false
	}
	i.Status = InvoiceOverdue
	i.UpdatedAt = now.UTC()
	return true
}

func (i *Invoice) recomputeStatus() {
	switch {
	case i.BalanceAmount.IsZero():
		i.Status = InvoicePaid
	case i.PaidAmount.IsPositive():
		i.Status = InvoicePartial
	case i.DueDate != nil && time.Now().After(*i.DueDate):
		i.Status = InvoiceOverdue
	default:
		i.Status = InvoicePending
	}
}
