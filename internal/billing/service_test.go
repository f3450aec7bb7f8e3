package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospipay/internal/common/database"
	"hospipay/internal/common/money"
)

// memStore is an in-memory Store for service tests. It enforces the same
// guarantees the Postgres store does: per-invoice serialization and a
// unique completed transaction reference.
type memStore struct {
	mu       sync.Mutex
	invoices map[string]*Invoice
	payments map[string]*Payment
	byRef    map[string]*Payment
}

func newMemStore() *memStore {
	return &memStore{
		invoices: make(map[string]*Invoice),
		payments: make(map[string]*Payment),
		byRef:    make(map[string]*Payment),
	}
}

func (s *memStore) CreateInvoice(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.invoices {
		if existing.InvoiceNumber == inv.InvoiceNumber {
			return database.ErrAlreadyExists
		}
	}
	cp := *inv
	s.invoices[inv.ID] = &cp
	return nil
}

func (s *memStore) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *memStore) GetInvoiceByNumber(_ context.Context, number string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.InvoiceNumber == number {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *memStore) ListInvoices(_ context.Context, filter ListFilter) ([]*Invoice, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Invoice
	for _, inv := range s.invoices {
		if filter.PatientID != "" && inv.PatientID != filter.PatientID {
			continue
		}
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		cp := *inv
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (s *memStore) UpdateInvoice(_ context.Context, inv *Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[inv.ID]; !ok {
		return database.ErrNotFound
	}
	cp := *inv
	s.invoices[inv.ID] = &cp
	return nil
}

func (s *memStore) ApplyPayment(_ context.Context, invoiceID string, payment *Payment) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, database.ErrNotFound
	}
	if payment.TransactionReference != "" {
		if _, dup := s.byRef[payment.TransactionReference]; dup {
			return nil, fmt.Errorf("reference %s: %w", payment.TransactionReference, ErrDuplicateReference)
		}
	}
	if err := inv.ApplyAmount(payment.Amount); err != nil {
		return nil, err
	}

	cp := *payment
	s.payments[payment.ID] = &cp
	if payment.TransactionReference != "" {
		s.byRef[payment.TransactionReference] = &cp
	}
	out := *inv
	return &out, nil
}

func (s *memStore) RefundPayment(_ context.Context, invoiceID string, refund *Payment) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, database.ErrNotFound
	}
	if err := inv.ReverseAmount(refund.Amount); err != nil {
		return nil, err
	}
	cp := *refund
	s.payments[refund.ID] = &cp
	out := *inv
	return &out, nil
}

func (s *memStore) GetPayment(_ context.Context, id string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) GetPaymentByReference(_ context.Context, reference string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byRef[reference]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListPayments(_ context.Context, invoiceID string) ([]*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Payment
	for _, p := range s.payments {
		if p.InvoiceID == invoiceID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ListOverdueCandidates(_ context.Context, now time.Time, _ int) ([]*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Invoice
	for _, inv := range s.invoices {
		if (inv.Status == InvoicePending || inv.Status == InvoicePartial) &&
			inv.DueDate != nil && inv.DueDate.Before(now) {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

// memPublisher records published events.
type memPublisher struct {
	mu     sync.Mutex
	events []*Envelope
}

func (p *memPublisher) Publish(_ context.Context, _ string, event *Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *memPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []EventType
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *memStore, *memPublisher) {
	t.Helper()
	store := newMemStore()
	pub := &memPublisher{}
	return NewService(store, pub, slog.New(slog.NewTextHandler(io.Discard, nil))), store, pub
}

func createTestInvoice(t *testing.T, svc *Service) *Invoice {
	t.Helper()
	inv, err := svc.CreateInvoice(context.Background(), CreateInvoiceRequest{
		InvoiceNumber: "INV-001",
		PatientID:     "PAT-1",
		Items: []LineItemRequest{
			{Description: "Consultation", Quantity: 1, UnitPrice: "1000"},
		},
	})
	require.NoError(t, err)
	return inv
}

func TestCreateInvoice(t *testing.T) {
	svc, _, pub := newTestService(t)

	inv := createTestInvoice(t, svc)
	assert.Equal(t, "INV-001", inv.InvoiceNumber)
	assert.Equal(t, int64(100000), inv.TotalAmount.AmountMinor)
	assert.Contains(t, pub.types(), EventInvoiceCreated)

	// generated invoice number when none given
	gen, err := svc.CreateInvoice(context.Background(), CreateInvoiceRequest{
		PatientID: "PAT-2",
		Items:     []LineItemRequest{{Description: "X-ray", Quantity: 1, UnitPrice: "2500.50"}},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^INV-[0-9A-Z]{8}$`, gen.InvoiceNumber)
}

func TestCreateInvoiceBadAmount(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceRequest{
		PatientID: "PAT-1",
		Items:     []LineItemRequest{{Description: "x", Quantity: 1, UnitPrice: "12.345"}},
	})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestApplyPayment(t *testing.T) {
	svc, _, pub := newTestService(t)
	inv := createTestInvoice(t, svc)

	updated, payment, err := svc.ApplyPayment(context.Background(), ApplyPaymentRequest{
		InvoiceID:            inv.ID,
		Amount:               money.New(100000, money.KES),
		Method:               MethodMpesa,
		TransactionReference: "RKT0001",
		PayerPhone:           "254712345678",
	})
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, updated.Status)
	assert.True(t, updated.BalanceAmount.IsZero())
	assert.Equal(t, PaymentCompleted, payment.Status)

	types := pub.types()
	assert.Contains(t, types, EventPaymentReceived)
	assert.Contains(t, types, EventInvoicePaid)
}

func TestApplyPaymentDuplicateReference(t *testing.T) {
	svc, _, _ := newTestService(t)
	inv := createTestInvoice(t, svc)

	req := ApplyPaymentRequest{
		InvoiceID:            inv.ID,
		Amount:               money.New(50000, money.KES),
		Method:               MethodMpesa,
		TransactionReference: "RKT0002",
	}
	_, first, err := svc.ApplyPayment(context.Background(), req)
	require.NoError(t, err)

	_, second, err := svc.ApplyPayment(context.Background(), req)
	require.ErrorIs(t, err, ErrDuplicateReference)
	require.NotNil(t, second, "duplicate must surface the existing payment")
	assert.Equal(t, first.ID, second.ID)

	final, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), final.PaidAmount.AmountMinor, "amount applied exactly once")
}

func TestApplyPaymentConcurrent(t *testing.T) {
	svc, _, _ := newTestService(t)
	inv := createTestInvoice(t, svc)

	// Twenty concurrent partial payments of 50 cover the 1000 total exactly.
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := svc.ApplyPayment(context.Background(), ApplyPaymentRequest{
				InvoiceID:            inv.ID,
				Amount:               money.New(5000, money.KES),
				Method:               MethodCash,
				TransactionReference: fmt.Sprintf("REF-%02d", n),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	final, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), final.PaidAmount.AmountMinor)
	assert.True(t, final.BalanceAmount.IsZero())
	assert.Equal(t, InvoicePaid, final.Status)
}

func TestRefundPayment(t *testing.T) {
	svc, _, pub := newTestService(t)
	inv := createTestInvoice(t, svc)

	_, payment, err := svc.ApplyPayment(context.Background(), ApplyPaymentRequest{
		InvoiceID:            inv.ID,
		Amount:               money.New(100000, money.KES),
		Method:               MethodMpesa,
		TransactionReference: "RKT0003",
	})
	require.NoError(t, err)

	refund, err := svc.RefundPayment(context.Background(), RefundPaymentRequest{
		PaymentID: payment.ID,
		Reason:    "double charge",
	})
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, refund.Status)
	assert.Equal(t, payment.ID, refund.ReversesPaymentID)

	final, err := svc.GetInvoice(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.True(t, final.PaidAmount.IsZero())
	assert.Equal(t, InvoicePending, final.Status)
	assert.Contains(t, pub.types(), EventPaymentRefunded)

	// a reversal cannot itself be refunded
	_, err = svc.RefundPayment(context.Background(), RefundPaymentRequest{
		PaymentID: refund.ID,
		Reason:    "again",
	})
	require.Error(t, err)
}

func TestCancelInvoice(t *testing.T) {
	svc, _, _ := newTestService(t)
	inv := createTestInvoice(t, svc)

	cancelled, err := svc.CancelInvoice(context.Background(), inv.ID, "duplicate entry")
	require.NoError(t, err)
	assert.Equal(t, InvoiceCancelled, cancelled.Status)

	_, err = svc.CancelInvoice(context.Background(), inv.ID, "again")
	require.ErrorIs(t, err, ErrInvoiceClosed)
}

func TestSweepOverdue(t *testing.T) {
	svc, _, _ := newTestService(t)
	due := time.Now().Add(-48 * time.Hour)
	_, err := svc.CreateInvoice(context.Background(), CreateInvoiceRequest{
		InvoiceNumber: "INV-OLD",
		PatientID:     "PAT-1",
		Items:         []LineItemRequest{{Description: "Ward fee", Quantity: 1, UnitPrice: "500"}},
		DueDate:       &due,
	})
	require.NoError(t, err)

	marked, err := svc.SweepOverdue(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, marked)

	inv, err := svc.GetInvoiceByNumber(context.Background(), "INV-OLD")
	require.NoError(t, err)
	assert.Equal(t, InvoiceOverdue, inv.Status)
}
