package mpesa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hospipay/internal/common/database"
	"hospipay/internal/common/money"
)

// PushRequestStatus is the lifecycle of an initiated STK push.
type PushRequestStatus string

const (
	PushInitiated PushRequestStatus = "initiated"
	PushCompleted PushRequestStatus = "completed"
	PushFailed    PushRequestStatus = "failed"
)

// PushRequest records an initiated STK push keyed by the provider's
// CheckoutRequestID. The push result callback does not carry the bill
// reference, so the account reference is captured at initiation time and
// looked up when the callback lands.
type PushRequest struct {
	CheckoutRequestID string            `json:"checkout_request_id"`
	MerchantRequestID string            `json:"merchant_request_id"`
	AccountReference  string            `json:"account_reference"`
	PhoneNumber       string            `json:"phone_number"`
	Amount            money.Money       `json:"amount"`
	Status            PushRequestStatus `json:"status"`
	ResultCode        *int              `json:"result_code,omitempty"`
	ResultDesc        string            `json:"result_desc,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// PushStore is the persistence interface for STK push requests.
type PushStore interface {
	CreatePushRequest(ctx context.Context, r *PushRequest) error
	GetPushRequest(ctx context.Context, checkoutRequestID string) (*PushRequest, error)
	RecordPushResult(ctx context.Context, checkoutRequestID string, resultCode int, resultDesc string) (*PushRequest, error)
}

// PostgresPushStore implements PushStore using PostgreSQL.
type PostgresPushStore struct {
	db *database.DB
}

// NewPostgresPushStore creates a new PostgreSQL push request store.
func NewPostgresPushStore(db *database.DB) *PostgresPushStore {
	return &PostgresPushStore{db: db}
}

const pushColumns = `checkout_request_id, merchant_request_id, account_reference,
	phone_number, amount, status, result_code, result_desc, created_at, updated_at`

// CreatePushRequest records an initiated push.
func (s *PostgresPushStore) CreatePushRequest(ctx context.Context, r *PushRequest) error {
	query := `
		INSERT INTO stk_push_requests (` + pushColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	var desc *string
	if r.ResultDesc != "" {
		desc = &r.ResultDesc
	}
	_, err := s.db.Exec(ctx, query,
		r.CheckoutRequestID, r.MerchantRequestID, r.AccountReference,
		r.PhoneNumber, r.Amount.AmountMinor, r.Status, r.ResultCode, desc,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("inserting push request: %w", err)
	}
	return nil
}

// GetPushRequest retrieves an initiated push by CheckoutRequestID.
func (s *PostgresPushStore) GetPushRequest(ctx context.Context, checkoutRequestID string) (*PushRequest, error) {
	query := `SELECT ` + pushColumns + ` FROM stk_push_requests WHERE checkout_request_id = $1`
	return scanPushRequest(s.db.QueryRow(ctx, query, checkoutRequestID))
}

// RecordPushResult stamps the provider's result onto an initiated push and
// returns the updated record.
func (s *PostgresPushStore) RecordPushResult(ctx context.Context, checkoutRequestID string, resultCode int, resultDesc string) (*PushRequest, error) {
	status := PushCompleted
	if resultCode != 0 {
		status = PushFailed
	}

	query := `
		UPDATE stk_push_requests
		SET status = $2, result_code = $3, result_desc = $4, updated_at = $5
		WHERE checkout_request_id = $1
		RETURNING ` + pushColumns
	return scanPushRequest(s.db.QueryRow(ctx, query,
		checkoutRequestID, status, resultCode, resultDesc, time.Now().UTC()))
}

func scanPushRequest(row pgx.Row) (*PushRequest, error) {
	var r PushRequest
	var amount int64
	var desc *string

	err := row.Scan(
		&r.CheckoutRequestID, &r.MerchantRequestID, &r.AccountReference,
		&r.PhoneNumber, &amount, &r.Status, &r.ResultCode, &desc,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning push request: %w", err)
	}

	r.Amount = money.New(amount, money.KES)
	if desc != nil {
		r.ResultDesc = *desc
	}
	return &r, nil
}
