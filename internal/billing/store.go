package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hospipay/internal/common/database"
	"hospipay/internal/common/money"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `id, invoice_number, patient_id, total_amount, paid_amount,
	balance_amount, currency, status, line_items, due_date,
	cancelled_at, cancel_reason, created_by, created_at, updated_at`

// CreateInvoice inserts a new invoice.
func (s *PostgresStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	items, err := json.Marshal(inv.LineItems)
	if err != nil {
		return fmt.Errorf("marshaling line items: %w", err)
	}

	_, err = s.db.Exec(ctx, query,
		inv.ID, inv.InvoiceNumber, inv.PatientID,
		inv.TotalAmount.AmountMinor, inv.PaidAmount.AmountMinor, inv.BalanceAmount.AmountMinor,
		inv.TotalAmount.Currency, inv.Status, items, inv.DueDate,
		inv.CancelledAt, nullStr(inv.CancelReason), nullStr(inv.CreatedBy),
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("invoice number %s: %w", inv.InvoiceNumber, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting invoice: %w", err)
	}
	return nil
}

// GetInvoice retrieves an invoice by ID.
func (s *PostgresStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	return scanInvoice(s.db.QueryRow(ctx, query, id))
}

// GetInvoiceByNumber retrieves an invoice by its human-readable number.
func (s *PostgresStore) GetInvoiceByNumber(ctx context.Context, number string) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE invoice_number = $1`
	return scanInvoice(s.db.QueryRow(ctx, query, number))
}

// ListFilter filters invoice listings.
type ListFilter struct {
	PatientID string
	Status    InvoiceStatus
	Limit     int
	Offset    int
}

// ListInvoices lists invoices with optional filters.
func (s *PostgresStore) ListInvoices(ctx context.Context, filter ListFilter) ([]*Invoice, int64, error) {
	countQuery := `SELECT COUNT(*) FROM invoices WHERE 1=1`
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE 1=1`

	var args []interface{}
	argIdx := 1

	if filter.PatientID != "" {
		clause := fmt.Sprintf(` AND patient_id = $%d`, argIdx)
		countQuery += clause
		query += clause
		args = append(args, filter.PatientID)
		argIdx++
	}
	if filter.Status != "" {
		clause := fmt.Sprintf(` AND status = $%d`, argIdx)
		countQuery += clause
		query += clause
		args = append(args, filter.Status)
		argIdx++
	}

	var total int64
	if err := s.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting invoices: %w", err)
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, filter.Limit, filter.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, total, nil
}

// UpdateInvoice persists status/annotation changes on an invoice.
func (s *PostgresStore) UpdateInvoice(ctx context.Context, inv *Invoice) error {
	query := `
		UPDATE invoices SET
			paid_amount = $2, balance_amount = $3, status = $4,
			cancelled_at = $5, cancel_reason = $6, updated_at = $7
		WHERE id = $1
	`
	_, err := s.db.Exec(ctx, query,
		inv.ID, inv.PaidAmount.AmountMinor, inv.BalanceAmount.AmountMinor, inv.Status,
		inv.CancelledAt, nullStr(inv.CancelReason), inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating invoice: %w", err)
	}
	return nil
}

// ApplyPayment applies a payment to an invoice atomically: the invoice row is
// locked for the balance computation and the payment insert runs in the same
// transaction. The partial unique index on transaction_reference is the
// idempotency gate; a violation means this provider transaction was already
// applied, possibly by a concurrent redelivery.
func (s *PostgresStore) ApplyPayment(ctx context.Context, invoiceID string, payment *Payment) (*Invoice, error) {
	var inv *Invoice

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		inv, err = scanInvoice(tx.QueryRow(ctx,
			`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID))
		if err != nil {
			return err
		}

		if err := inv.ApplyAmount(payment.Amount); err != nil {
			return err
		}

		if err := insertPayment(ctx, tx, payment); err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("reference %s: %w", payment.TransactionReference, ErrDuplicateReference)
			}
			return fmt.Errorf("inserting payment: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE invoices SET paid_amount = $2, balance_amount = $3, status = $4, updated_at = $5
			WHERE id = $1
		`, inv.ID, inv.PaidAmount.AmountMinor, inv.BalanceAmount.AmountMinor, inv.Status, inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating invoice balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// RefundPayment writes a reversal record and backs the amount out of the
// invoice, locking the invoice row for the balance computation.
func (s *PostgresStore) RefundPayment(ctx context.Context, invoiceID string, refund *Payment) (*Invoice, error) {
	var inv *Invoice

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		inv, err = scanInvoice(tx.QueryRow(ctx,
			`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, invoiceID))
		if err != nil {
			return err
		}

		if err := inv.ReverseAmount(refund.Amount); err != nil {
			return err
		}

		if err := insertPayment(ctx, tx, refund); err != nil {
			return fmt.Errorf("inserting refund record: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE invoices SET paid_amount = $2, balance_amount = $3, status = $4, updated_at = $5
			WHERE id = $1
		`, inv.ID, inv.PaidAmount.AmountMinor, inv.BalanceAmount.AmountMinor, inv.Status, inv.UpdatedAt)
		if err != nil {
			return fmt.Errorf("updating invoice balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

const paymentColumns = `id, invoice_id, amount, currency, method, status,
	transaction_reference, payer_phone, received_by, reverses_payment_id,
	received_at, created_at`

func insertPayment(ctx context.Context, tx pgx.Tx, p *Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := tx.Exec(ctx, query,
		p.ID, p.InvoiceID, p.Amount.AmountMinor, p.Amount.Currency, p.Method, p.Status,
		nullStr(p.TransactionReference), nullStr(p.PayerPhone), nullStr(p.ReceivedBy),
		nullStr(p.ReversesPaymentID), p.ReceivedAt, p.CreatedAt,
	)
	return err
}

// GetPayment retrieves a payment by ID.
func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(s.db.QueryRow(ctx, query, id))
}

// GetPaymentByReference retrieves a completed payment by its provider
// transaction reference.
func (s *PostgresStore) GetPaymentByReference(ctx context.Context, reference string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE transaction_reference = $1 AND status = 'completed'`
	return scanPayment(s.db.QueryRow(ctx, query, reference))
}

// ListPayments lists payments for an invoice, oldest first.
func (s *PostgresStore) ListPayments(ctx context.Context, invoiceID string) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments
		WHERE invoice_id = $1 ORDER BY received_at ASC`

	rows, err := s.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, nil
}

// ListOverdueCandidates lists open invoices whose due date has passed.
func (s *PostgresStore) ListOverdueCandidates(ctx context.Context, now time.Time, limit int) ([]*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices
		WHERE status IN ('pending', 'partial') AND due_date IS NOT NULL AND due_date < $1
		ORDER BY due_date ASC LIMIT $2`

	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing overdue candidates: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var total, paid, balance int64
	var currency string
	var items []byte
	var cancelReason, createdBy *string

	err := row.Scan(
		&inv.ID, &inv.InvoiceNumber, &inv.PatientID, &total, &paid,
		&balance, &currency, &inv.Status, &items, &inv.DueDate,
		&inv.CancelledAt, &cancelReason, &createdBy, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning invoice: %w", err)
	}

	c := money.Currency(currency)
	inv.TotalAmount = money.New(total, c)
	inv.PaidAmount = money.New(paid, c)
	inv.BalanceAmount = money.New(balance, c)
	if cancelReason != nil {
		inv.CancelReason = *cancelReason
	}
	if createdBy != nil {
		inv.CreatedBy = *createdBy
	}
	if err := json.Unmarshal(items, &inv.LineItems); err != nil {
		return nil, fmt.Errorf("unmarshaling line items: %w", err)
	}
	return &inv, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var amount int64
	var currency string
	var reference, phone, receivedBy, reverses *string

	err := row.Scan(
		&p.ID, &p.InvoiceID, &amount, &currency, &p.Method, &p.Status,
		&reference, &phone, &receivedBy, &reverses, &p.ReceivedAt, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}

	p.Amount = money.New(amount, money.Currency(currency))
	if reference != nil {
		p.TransactionReference = *reference
	}
	if phone != nil {
		p.PayerPhone = *phone
	}
	if receivedBy != nil {
		p.ReceivedBy = *receivedBy
	}
	if reverses != nil {
		p.ReversesPaymentID = *reverses
	}
	return &p, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
