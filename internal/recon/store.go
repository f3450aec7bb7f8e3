package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hospipay/internal/common/database"
	"hospipay/internal/common/money"
)

// PostgresStore implements TransactionStore using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL transaction store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `trans_id, transaction_type, trans_time, amount, currency,
	business_short_code, bill_ref_number, org_account_balance, msisdn,
	first_name, middle_name, last_name, raw_payload, is_allocated,
	allocated_to_invoice_id, allocated_at, received_at`

// CreateTransaction inserts a provider transaction, tolerating redelivery.
// TransID is the primary key; an insert that conflicts is a no-op and
// returns database.ErrAlreadyExists so the caller can branch on it.
func (s *PostgresStore) CreateTransaction(ctx context.Context, t *ProviderTransaction) error {
	query := `
		INSERT INTO provider_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (trans_id) DO NOTHING
	`

	raw := t.RawPayload
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}

	tag, err := s.db.Exec(ctx, query,
		t.TransID, t.TransactionType, t.TransTime,
		t.Amount.AmountMinor, t.Amount.Currency,
		t.BusinessShortCode, t.BillRefNumber, nullStrRecon(t.OrgAccountBalance), t.MSISDN,
		nullStrRecon(t.FirstName), nullStrRecon(t.MiddleName), nullStrRecon(t.LastName),
		raw, t.IsAllocated, nullStrRecon(t.AllocatedToInvoiceID), t.AllocatedAt, t.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting provider transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrAlreadyExists
	}
	return nil
}

// GetTransaction retrieves a provider transaction by TransID.
func (s *PostgresStore) GetTransaction(ctx context.Context, transID string) (*ProviderTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM provider_transactions WHERE trans_id = $1`
	return scanTransaction(s.db.QueryRow(ctx, query, transID))
}

// MarkAllocated stamps a transaction as allocated to an invoice. The
// is_allocated guard makes the update idempotent under redelivery.
func (s *PostgresStore) MarkAllocated(ctx context.Context, transID, invoiceID string) error {
	query := `
		UPDATE provider_transactions
		SET is_allocated = TRUE, allocated_to_invoice_id = $2, allocated_at = $3
		WHERE trans_id = $1 AND is_allocated = FALSE
	`
	_, err := s.db.Exec(ctx, query, transID, invoiceID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("marking transaction allocated: %w", err)
	}
	return nil
}

// ListUnallocated lists transactions awaiting staff review, oldest first.
func (s *PostgresStore) ListUnallocated(ctx context.Context, limit, offset int) ([]*ProviderTransaction, int64, error) {
	var total int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM provider_transactions WHERE is_allocated = FALSE`).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting unallocated transactions: %w", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM provider_transactions
		WHERE is_allocated = FALSE ORDER BY received_at ASC LIMIT $1 OFFSET $2`

	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing unallocated transactions: %w", err)
	}
	defer rows.Close()

	var txns []*ProviderTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		txns = append(txns, t)
	}
	return txns, total, nil
}

func scanTransaction(row pgx.Row) (*ProviderTransaction, error) {
	var t ProviderTransaction
	var amount int64
	var currency string
	var orgBalance, first, middle, last, invoiceID *string

	err := row.Scan(
		&t.TransID, &t.TransactionType, &t.TransTime, &amount, &currency,
		&t.BusinessShortCode, &t.BillRefNumber, &orgBalance, &t.MSISDN,
		&first, &middle, &last, &t.RawPayload, &t.IsAllocated,
		&invoiceID, &t.AllocatedAt, &t.ReceivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning provider transaction: %w", err)
	}

	t.Amount = money.New(amount, money.Currency(currency))
	if orgBalance != nil {
		t.OrgAccountBalance = *orgBalance
	}
	if first != nil {
		t.FirstName = *first
	}
	if middle != nil {
		t.MiddleName = *middle
	}
	if last != nil {
		t.LastName = *last
	}
	if invoiceID != nil {
		t.AllocatedToInvoiceID = *invoiceID
	}
	return &t, nil
}

func nullStrRecon(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
