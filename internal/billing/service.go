package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"hospipay/internal/common/database"
	"hospipay/internal/common/middleware"
	"hospipay/internal/common/money"
)

// Store is the persistence interface for the invoice ledger.
type Store interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error)
	ListInvoices(ctx context.Context, filter ListFilter) ([]*Invoice, int64, error)
	UpdateInvoice(ctx context.Context, inv *Invoice) error
	ApplyPayment(ctx context.Context, invoiceID string, payment *Payment) (*Invoice, error)
	RefundPayment(ctx context.Context, invoiceID string, refund *Payment) (*Invoice, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByReference(ctx context.Context, reference string) (*Payment, error)
	ListPayments(ctx context.Context, invoiceID string) ([]*Payment, error)
	ListOverdueCandidates(ctx context.Context, now time.Time, limit int) ([]*Invoice, error)
}

// Publisher publishes billing events.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *Envelope) error
}

// Service implements the invoice ledger operations.
type Service struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a new billing service.
func NewService(store Store, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "billing"),
	}
}

// CreateInvoiceRequest is the input for creating an invoice.
type CreateInvoiceRequest struct {
	InvoiceNumber string            `json:"invoice_number" validate:"omitempty,max=40"`
	PatientID     string            `json:"patient_id" validate:"required"`
	Items         []LineItemRequest `json:"items" validate:"required,min=1,dive"`
	DueDate       *time.Time        `json:"due_date,omitempty"`
}

// LineItemRequest is a single line item in a create request.
type LineItemRequest struct {
	Description string `json:"description" validate:"required"`
	Quantity    int    `json:"quantity" validate:"required,gt=0"`
	UnitPrice   string `json:"unit_price" validate:"required"`
}

// CreateInvoice creates a new invoice and publishes a created event. The
// invoice number is generated when the request leaves it blank; it is the
// reference payers quote at the paybill prompt.
func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*Invoice, error) {
	id := ulid.Make().String()

	number := req.InvoiceNumber
	if number == "" {
		number = generateInvoiceNumber(id)
	}

	items := make([]LineItem, 0, len(req.Items))
	for i, it := range req.Items {
		price, err := money.Parse(it.UnitPrice, money.KES)
		if err != nil {
			return nil, fmt.Errorf("line item %d: %w: %w", i, ErrInvalidAmount, err)
		}
		items = append(items, LineItem{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   price,
		})
	}

	inv, err := NewInvoice(id, number, req.PatientID, middleware.GetStaffID(ctx), items, req.DueDate)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "invoice created",
		"invoice_id", inv.ID,
		"invoice_number", inv.InvoiceNumber,
		"patient_id", inv.PatientID,
		"total", inv.TotalAmount.String(),
	)

	s.publish(ctx, SubjectInvoiceCreated, EventInvoiceCreated, InvoiceCreatedEvent{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.InvoiceNumber,
		PatientID:     inv.PatientID,
		TotalAmount:   inv.TotalAmount,
	})

	return inv, nil
}

// GetInvoice retrieves an invoice by ID.
func (s *Service) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	return s.store.GetInvoice(ctx, id)
}

// GetInvoiceByNumber retrieves an invoice by its number.
func (s *Service) GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error) {
	return s.store.GetInvoiceByNumber(ctx, number)
}

// ListInvoices lists invoices with filters and pagination.
func (s *Service) ListInvoices(ctx context.Context, filter ListFilter) ([]*Invoice, int64, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	return s.store.ListInvoices(ctx, filter)
}

// ApplyPaymentRequest is the input for recording a payment against an invoice.
type ApplyPaymentRequest struct {
	InvoiceID            string
	Amount               money.Money
	Method               Method
	TransactionReference string
	PayerPhone           string
	ReceivedBy           string
	ReceivedAt           time.Time
}

// ApplyPayment records a payment against an invoice. A duplicate transaction
// reference returns ErrDuplicateReference with the existing payment so the
// caller can treat redelivery as a no-op.
func (s *Service) ApplyPayment(ctx context.Context, req ApplyPaymentRequest) (*Invoice, *Payment, error) {
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}

	payment := &Payment{
		ID:                   ulid.Make().String(),
		InvoiceID:            req.InvoiceID,
		Amount:               req.Amount,
		Method:               req.Method,
		Status:               PaymentCompleted,
		TransactionReference: req.TransactionReference,
		PayerPhone:           req.PayerPhone,
		ReceivedBy:           req.ReceivedBy,
		ReceivedAt:           req.ReceivedAt,
		CreatedAt:            time.Now().UTC(),
	}

	inv, err := s.store.ApplyPayment(ctx, req.InvoiceID, payment)
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			existing, lookupErr := s.store.GetPaymentByReference(ctx, req.TransactionReference)
			if lookupErr == nil {
				return nil, existing, ErrDuplicateReference
			}
		}
		return nil, nil, err
	}

	s.logger.InfoContext(ctx, "payment applied",
		"payment_id", payment.ID,
		"invoice_id", inv.ID,
		"invoice_number", inv.InvoiceNumber,
		"amount", payment.Amount.String(),
		"method", payment.Method,
		"reference", payment.TransactionReference,
		"balance", inv.BalanceAmount.String(),
	)

	s.publish(ctx, SubjectPaymentReceived, EventPaymentReceived, PaymentReceivedEvent{
		PaymentID:            payment.ID,
		InvoiceID:            inv.ID,
		InvoiceNumber:        inv.InvoiceNumber,
		Amount:               payment.Amount,
		Method:               payment.Method,
		TransactionReference: payment.TransactionReference,
		Balance:              inv.BalanceAmount,
	})

	if inv.Status == InvoicePaid {
		s.publish(ctx, SubjectInvoicePaid, EventInvoicePaid, InvoicePaidEvent{
			InvoiceID:     inv.ID,
			InvoiceNumber: inv.InvoiceNumber,
			PatientID:     inv.PatientID,
			TotalAmount:   inv.TotalAmount,
			PaidAt:        inv.UpdatedAt,
		})
	}

	return inv, payment, nil
}

// CancelInvoice cancels an invoice that has no payments yet.
func (s *Service) CancelInvoice(ctx context.Context, id, reason string) (*Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := inv.Cancel(reason); err != nil {
		return nil, err
	}
	if err := s.store.UpdateInvoice(ctx, inv); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "invoice cancelled", "invoice_id", inv.ID, "reason", reason)
	return inv, nil
}

// RefundPaymentRequest is the input for refunding a completed payment.
type RefundPaymentRequest struct {
	PaymentID string `json:"payment_id" validate:"required"`
	Reason    string `json:"reason" validate:"required,max=200"`
}

// RefundPayment writes a reversal record for a completed payment and backs
// the amount out of the invoice balance.
func (s *Service) RefundPayment(ctx context.Context, req RefundPaymentRequest) (*Payment, error) {
	original, err := s.store.GetPayment(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}
	if original.Status != PaymentCompleted {
		return nil, fmt.Errorf("payment %s is %s: %w", original.ID, original.Status, database.ErrConflict)
	}
	if original.ReversesPaymentID != "" {
		return nil, fmt.Errorf("payment %s is itself a reversal: %w", original.ID, database.ErrConflict)
	}

	refund := &Payment{
		ID:                ulid.Make().String(),
		InvoiceID:         original.InvoiceID,
		Amount:            original.Amount,
		Method:            original.Method,
		Status:            PaymentRefunded,
		ReversesPaymentID: original.ID,
		ReceivedBy:        middleware.GetStaffID(ctx),
		ReceivedAt:        time.Now().UTC(),
		CreatedAt:         time.Now().UTC(),
	}

	inv, err := s.store.RefundPayment(ctx, original.InvoiceID, refund)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "payment refunded",
		"payment_id", original.ID,
		"refund_id", refund.ID,
		"invoice_id", inv.ID,
		"amount", refund.Amount.String(),
	)

	s.publish(ctx, SubjectPaymentRefunded, EventPaymentRefunded, PaymentRefundedEvent{
		PaymentID:        original.ID,
		RefundID:         refund.ID,
		InvoiceID:        inv.ID,
		Amount:           refund.Amount,
		Reason:           req.Reason,
		ProcessedBy:      refund.ReceivedBy,
		OriginalReceived: original.ReceivedAt,
	})

	return refund, nil
}

// ListPayments lists the payment history of an invoice.
func (s *Service) ListPayments(ctx context.Context, invoiceID string) ([]*Payment, error) {
	return s.store.ListPayments(ctx, invoiceID)
}

// GetPaymentByReference looks up a completed payment by provider reference.
func (s *Service) GetPaymentByReference(ctx context.Context, reference string) (*Payment, error) {
	return s.store.GetPaymentByReference(ctx, reference)
}

// BuildReceipt assembles the receipt for a completed payment.
func (s *Service) BuildReceipt(ctx context.Context, paymentID string) (*Receipt, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != PaymentCompleted {
		return nil, fmt.Errorf("payment %s is %s: %w", payment.ID, payment.Status, database.ErrConflict)
	}

	inv, err := s.store.GetInvoice(ctx, payment.InvoiceID)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		ReceiptNumber: "RCT-" + payment.ID,
		InvoiceNumber: inv.InvoiceNumber,
		PatientID:     inv.PatientID,
		Items:         inv.LineItems,
		Subtotal:      inv.TotalAmount,
		Total:         inv.TotalAmount,
		AmountPaid:    payment.Amount,
		Balance:       inv.BalanceAmount,
		PaymentMethod: payment.Method,
		TransactionID: payment.TransactionReference,
		IssuedAt:      time.Now().UTC(),
	}, nil
}

// SweepOverdue marks open invoices past their due date as overdue. It is run
// periodically from the main loop.
func (s *Service) SweepOverdue(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.store.ListOverdueCandidates(ctx, now, 500)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, inv := range candidates {
		if !inv.MarkOverdue(now) {
			continue
		}
		if err := s.store.UpdateInvoice(ctx, inv); err != nil {
			s.logger.ErrorContext(ctx, "marking invoice overdue", "invoice_id", inv.ID, "error", err)
			continue
		}
		marked++
	}

	if marked > 0 {
		s.logger.InfoContext(ctx, "overdue sweep complete", "marked", marked)
	}
	return marked, nil
}

func (s *Service) publish(ctx context.Context, subject string, eventType EventType, data any) {
	if s.publisher == nil {
		return
	}
	event, err := NewEnvelope(eventType, middleware.GetCorrelationID(ctx), data)
	if err != nil {
		s.logger.ErrorContext(ctx, "building event envelope", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, subject, event); err != nil {
		s.logger.ErrorContext(ctx, "publishing event", "subject", subject, "error", err)
	}
}

// generateInvoiceNumber derives a short human-quotable invoice number. The
// ULID tail keeps it unique while staying short enough to type into a
// paybill account prompt.
func generateInvoiceNumber(id string) string {
	return "INV-" + id[len(id)-8:]
}
