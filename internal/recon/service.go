package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hospipay/internal/billing"
	"hospipay/internal/common/database"
	"hospipay/internal/common/middleware"
)

// Ledger is the slice of the billing service the engine needs.
type Ledger interface {
	GetInvoice(ctx context.Context, id string) (*billing.Invoice, error)
	GetInvoiceByNumber(ctx context.Context, number string) (*billing.Invoice, error)
	GetPaymentByReference(ctx context.Context, reference string) (*billing.Payment, error)
	ApplyPayment(ctx context.Context, req billing.ApplyPaymentRequest) (*billing.Invoice, *billing.Payment, error)
}

// TransactionStore is the persistence interface for provider transactions.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, t *ProviderTransaction) error
	GetTransaction(ctx context.Context, transID string) (*ProviderTransaction, error)
	MarkAllocated(ctx context.Context, transID, invoiceID string) error
	ListUnallocated(ctx context.Context, limit, offset int) ([]*ProviderTransaction, int64, error)
}

// Publisher publishes reconciliation events.
type Publisher interface {
	Publish(ctx context.Context, subject string, event *billing.Envelope) error
}

// Engine reconciles inbound provider transactions against the invoice
// ledger.
type Engine struct {
	ledger    Ledger
	store     TransactionStore
	publisher Publisher
	notifier  *Notifier
	logger    *slog.Logger
}

// NewEngine creates a new reconciliation engine.
func NewEngine(ledger Ledger, store TransactionStore, publisher Publisher, notifier *Notifier, logger *slog.Logger) *Engine {
	return &Engine{
		ledger:    ledger,
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger.With("component", "recon"),
	}
}

// Notifier exposes the engine's outcome notifier for session subscribers.
func (e *Engine) Notifier() *Notifier {
	return e.notifier
}

// Allocate reconciles one provider transaction. The bill reference is
// matched against invoice numbers; a transaction that cannot be applied is
// recorded on the unallocated queue rather than dropped. Allocate is safe
// to call again with the same TransID: redelivery resolves to a duplicate
// outcome, never a second payment.
func (e *Engine) Allocate(ctx context.Context, t *ProviderTransaction) (*Outcome, error) {
	t.BillRefNumber = NormalizeBillRef(t.BillRefNumber)
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = time.Now().UTC()
	}

	if err := e.store.CreateTransaction(ctx, t); err != nil {
		if !errors.Is(err, database.ErrAlreadyExists) {
			return nil, err
		}
		existing, getErr := e.store.GetTransaction(ctx, t.TransID)
		if getErr != nil {
			return nil, getErr
		}
		if existing.IsAllocated {
			e.logger.InfoContext(ctx, "duplicate transaction redelivery",
				"trans_id", t.TransID, "invoice_id", existing.AllocatedToInvoiceID)
			return &Outcome{
				Status:    OutcomeDuplicate,
				TransID:   t.TransID,
				InvoiceID: existing.AllocatedToInvoiceID,
			}, nil
		}
		// Known but unallocated: a previous attempt failed to match, or
		// crashed mid-allocation. Fall through and try again.
	}

	outcome, err := e.tryAllocate(ctx, t, t.BillRefNumber, "")
	if err != nil {
		return nil, err
	}

	e.notifier.Notify(t.BillRefNumber, *outcome)
	return outcome, nil
}

// AllocateManual applies an unallocated transaction to the invoice a staff
// member picked, regardless of the bill reference the payer typed.
func (e *Engine) AllocateManual(ctx context.Context, transID, invoiceID string) (*Outcome, error) {
	t, err := e.store.GetTransaction(ctx, transID)
	if err != nil {
		return nil, err
	}
	if t.IsAllocated {
		return nil, fmt.Errorf("transaction %s already allocated: %w", transID, database.ErrConflict)
	}

	inv, err := e.ledger.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	outcome, err := e.tryAllocate(ctx, t, inv.InvoiceNumber, invoiceID)
	if err != nil {
		return nil, err
	}
	if outcome.Status == OutcomeAllocated {
		e.logger.InfoContext(ctx, "transaction manually allocated",
			"trans_id", transID,
			"invoice_id", invoiceID,
			"staff_id", middleware.GetStaffID(ctx),
		)
	}
	e.notifier.Notify(inv.InvoiceNumber, *outcome)
	return outcome, nil
}

// ListUnallocated lists transactions awaiting staff review.
func (e *Engine) ListUnallocated(ctx context.Context, limit, offset int) ([]*ProviderTransaction, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.store.ListUnallocated(ctx, limit, offset)
}

// GetTransaction retrieves one provider transaction.
func (e *Engine) GetTransaction(ctx context.Context, transID string) (*ProviderTransaction, error) {
	return e.store.GetTransaction(ctx, transID)
}

// tryAllocate matches and applies one transaction. invoiceID is set only on
// the manual path, where the invoice was already resolved by ID.
func (e *Engine) tryAllocate(ctx context.Context, t *ProviderTransaction, invoiceNumber, invoiceID string) (*Outcome, error) {
	// A payment carrying this TransID means an earlier delivery already
	// settled it, even if the invoice has since closed. Acknowledge, don't
	// re-apply.
	if existing, err := e.ledger.GetPaymentByReference(ctx, t.TransID); err == nil {
		if markErr := e.store.MarkAllocated(ctx, t.TransID, existing.InvoiceID); markErr != nil {
			return nil, markErr
		}
		return &Outcome{
			Status:    OutcomeDuplicate,
			TransID:   t.TransID,
			InvoiceID: existing.InvoiceID,
			PaymentID: existing.ID,
		}, nil
	} else if !database.IsNotFound(err) {
		return nil, err
	}

	var inv *billing.Invoice
	var err error
	if invoiceID != "" {
		inv, err = e.ledger.GetInvoice(ctx, invoiceID)
	} else {
		inv, err = e.ledger.GetInvoiceByNumber(ctx, invoiceNumber)
	}
	if err != nil {
		if database.IsNotFound(err) {
			return e.park(ctx, t, OutcomeUnmatched, "no invoice matches bill reference")
		}
		return nil, err
	}

	updated, payment, err := e.ledger.ApplyPayment(ctx, billing.ApplyPaymentRequest{
		InvoiceID:            inv.ID,
		Amount:               t.Amount,
		Method:               billing.MethodMpesa,
		TransactionReference: t.TransID,
		PayerPhone:           t.MSISDN,
		ReceivedAt:           t.ReceivedAt,
	})
	switch {
	case err == nil:
		// fall through
	case errors.Is(err, billing.ErrDuplicateReference):
		if err := e.store.MarkAllocated(ctx, t.TransID, inv.ID); err != nil {
			return nil, err
		}
		out := &Outcome{Status: OutcomeDuplicate, TransID: t.TransID, InvoiceID: inv.ID, InvoiceNumber: inv.InvoiceNumber}
		if payment != nil {
			out.PaymentID = payment.ID
		}
		return out, nil
	case errors.Is(err, billing.ErrOverpayment):
		return e.park(ctx, t, OutcomeOverAmount,
			fmt.Sprintf("amount %s exceeds invoice balance %s", t.Amount, inv.BalanceAmount))
	case errors.Is(err, billing.ErrInvoiceClosed):
		return e.park(ctx, t, OutcomeAlreadySettled,
			fmt.Sprintf("invoice %s is %s", inv.InvoiceNumber, inv.Status))
	default:
		return nil, err
	}

	if err := e.store.MarkAllocated(ctx, t.TransID, updated.ID); err != nil {
		// The payment committed; the allocation stamp is bookkeeping and a
		// replay will restamp it via the duplicate path.
		e.logger.ErrorContext(ctx, "marking transaction allocated",
			"trans_id", t.TransID, "error", err)
	}

	e.logger.InfoContext(ctx, "transaction allocated",
		"trans_id", t.TransID,
		"invoice_id", updated.ID,
		"invoice_number", updated.InvoiceNumber,
		"amount", t.Amount.String(),
		"balance", updated.BalanceAmount.String(),
	)

	return &Outcome{
		Status:        OutcomeAllocated,
		TransID:       t.TransID,
		InvoiceID:     updated.ID,
		InvoiceNumber: updated.InvoiceNumber,
		PaymentID:     payment.ID,
		Balance:       updated.BalanceAmount,
	}, nil
}

// park leaves the transaction on the unallocated queue and publishes the
// event staff tooling watches.
func (e *Engine) park(ctx context.Context, t *ProviderTransaction, status OutcomeStatus, reason string) (*Outcome, error) {
	e.logger.WarnContext(ctx, "transaction parked for review",
		"trans_id", t.TransID,
		"bill_ref", t.BillRefNumber,
		"status", status,
		"reason", reason,
	)

	subject := billing.SubjectPaymentHeld
	eventType := billing.EventPaymentHeld
	if status == OutcomeUnmatched {
		subject = billing.SubjectPaymentUnmatched
		eventType = billing.EventPaymentUnmatched
	}
	e.publishEvent(ctx, subject, eventType, billing.PaymentUnmatchedEvent{
		TransID:       t.TransID,
		BillRefNumber: t.BillRefNumber,
		Amount:        t.Amount,
		MSISDN:        t.MSISDN,
		Reason:        reason,
		ReceivedAt:    t.ReceivedAt,
	})

	return &Outcome{
		Status:  status,
		TransID: t.TransID,
		Reason:  reason,
	}, nil
}

func (e *Engine) publishEvent(ctx context.Context, subject string, eventType billing.EventType, data any) {
	if e.publisher == nil {
		return
	}
	event, err := billing.NewEnvelope(eventType, middleware.GetCorrelationID(ctx), data)
	if err != nil {
		e.logger.ErrorContext(ctx, "building event envelope", "type", eventType, "error", err)
		return
	}
	if err := e.publisher.Publish(ctx, subject, event); err != nil {
		e.logger.ErrorContext(ctx, "publishing event", "subject", subject, "error", err)
	}
}
