package mpesa

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospipay/internal/billing"
	"hospipay/internal/common/database"
	"hospipay/internal/common/money"
	"hospipay/internal/recon"
)

type fakeReconciler struct {
	mu       sync.Mutex
	received []*recon.ProviderTransaction
	notifier *recon.Notifier
}

func (f *fakeReconciler) Allocate(_ context.Context, t *recon.ProviderTransaction) (*recon.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, t)
	return &recon.Outcome{Status: recon.OutcomeAllocated, TransID: t.TransID}, nil
}

func (f *fakeReconciler) Notifier() *recon.Notifier { return f.notifier }

func (f *fakeReconciler) transactions() []*recon.ProviderTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*recon.ProviderTransaction(nil), f.received...)
}

type fakePushStore struct {
	mu       sync.Mutex
	requests map[string]*PushRequest
}

func newFakePushStore() *fakePushStore {
	return &fakePushStore{requests: make(map[string]*PushRequest)}
}

func (s *fakePushStore) CreatePushRequest(_ context.Context, r *PushRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.CheckoutRequestID]; ok {
		return database.ErrAlreadyExists
	}
	cp := *r
	s.requests[r.CheckoutRequestID] = &cp
	return nil
}

func (s *fakePushStore) GetPushRequest(_ context.Context, id string) (*PushRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakePushStore) RecordPushResult(_ context.Context, id string, resultCode int, resultDesc string) (*PushRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	r.ResultCode = &resultCode
	r.ResultDesc = resultDesc
	if resultCode == 0 {
		r.Status = PushCompleted
	} else {
		r.Status = PushFailed
	}
	cp := *r
	return &cp, nil
}

type fakeInvoices struct {
	numbers map[string]bool
}

func (f *fakeInvoices) GetInvoiceByNumber(_ context.Context, number string) (*billing.Invoice, error) {
	if !f.numbers[number] {
		return nil, database.ErrNotFound
	}
	return &billing.Invoice{InvoiceNumber: number}, nil
}

func newTestWebhook(t *testing.T) (*Webhook, *fakeReconciler, *fakePushStore) {
	t.Helper()
	reconciler := &fakeReconciler{notifier: recon.NewNotifier()}
	pushStore := newFakePushStore()
	invoices := &fakeInvoices{numbers: map[string]bool{"INV-001": true}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWebhook(reconciler, pushStore, invoices, logger), reconciler, pushStore
}

const successSTKCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1000.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254712345678}
        ]
      }
    }
  }
}`

func TestSTKCallbackSuccess(t *testing.T) {
	webhook, reconciler, pushStore := newTestWebhook(t)
	require.NoError(t, pushStore.CreatePushRequest(context.Background(), &PushRequest{
		CheckoutRequestID: "ws_CO_191220191020363925",
		AccountReference:  "INV-001",
		PhoneNumber:       "254712345678",
		Amount:            money.New(100000, money.KES),
		Status:            PushInitiated,
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stk", strings.NewReader(successSTKCallback))
	webhook.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ResultCode":0`)

	txns := reconciler.transactions()
	require.Len(t, txns, 1)
	assert.Equal(t, "NLJ7RT61SV", txns[0].TransID, "receipt number becomes the idempotency key")
	assert.Equal(t, "INV-001", txns[0].BillRefNumber, "bill reference recovered from the push request")
	assert.Equal(t, int64(100000), txns[0].Amount.AmountMinor)
	assert.Equal(t, "254712345678", txns[0].MSISDN)

	stored, err := pushStore.GetPushRequest(context.Background(), "ws_CO_191220191020363925")
	require.NoError(t, err)
	assert.Equal(t, PushCompleted, stored.Status)
}

func TestSTKCallbackFailure(t *testing.T) {
	webhook, reconciler, pushStore := newTestWebhook(t)
	require.NoError(t, pushStore.CreatePushRequest(context.Background(), &PushRequest{
		CheckoutRequestID: "ws_CO_1",
		AccountReference:  "INV-001",
		Status:            PushInitiated,
	}))

	outcomes, cancel := reconciler.Notifier().Subscribe("INV-001")
	defer cancel()

	body := `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stk", strings.NewReader(body))
	webhook.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "failures are still acknowledged")
	assert.Empty(t, reconciler.transactions(), "no transaction to reconcile on a declined push")

	select {
	case outcome := <-outcomes:
		assert.Equal(t, recon.OutcomeFailed, outcome.Status)
		assert.Equal(t, "Request cancelled by user", outcome.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected a failure notification for the waiting session")
	}

	stored, err := pushStore.GetPushRequest(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, PushFailed, stored.Status)
}

func TestSTKCallbackUnknownPushStillRecorded(t *testing.T) {
	webhook, reconciler, _ := newTestWebhook(t)

	// No push record exists for this CheckoutRequestID, but ResultCode 0
	// means money moved. The transaction must land on the unallocated
	// queue, not vanish behind the ack.
	body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_unknown","ResultCode":0,
	  "CallbackMetadata":{"Item":[
	    {"Name":"Amount","Value":1000.00},
	    {"Name":"MpesaReceiptNumber","Value":"RKT0RPHAN1"},
	    {"Name":"PhoneNumber","Value":254712345678}
	  ]}}}}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stk", strings.NewReader(body))
	webhook.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "always acknowledge; the provider retries otherwise")
	txns := reconciler.transactions()
	require.Len(t, txns, 1)
	assert.Equal(t, "RKT0RPHAN1", txns[0].TransID)
	assert.Empty(t, txns[0].BillRefNumber, "no push record means no bill reference; reconciles as unmatched")
	assert.Equal(t, int64(100000), txns[0].Amount.AmountMinor)
	assert.Equal(t, "254712345678", txns[0].MSISDN)
}

func TestSTKCallbackUnknownPushFailureDropped(t *testing.T) {
	webhook, reconciler, _ := newTestWebhook(t)

	body := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_unknown","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stk", strings.NewReader(body))
	webhook.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, reconciler.transactions(), "a declined push moved no money")
}

const c2bConfirmation = `{
  "TransactionType": "Pay Bill",
  "TransID": "RKTQDM7W6S",
  "TransTime": "20260115104523",
  "TransAmount": "1000.00",
  "BusinessShortCode": "600123",
  "BillRefNumber": "INV-001",
  "OrgAccountBalance": "49197.00",
  "MSISDN": "254712345678",
  "FirstName": "JANE",
  "LastName": "DOE"
}`

func TestC2BConfirmation(t *testing.T) {
	webhook, reconciler, _ := newTestWebhook(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/c2b/confirmation", strings.NewReader(c2bConfirmation))
	webhook.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	txns := reconciler.transactions()
	require.Len(t, txns, 1)
	assert.Equal(t, "RKTQDM7W6S", txns[0].TransID)
	assert.Equal(t, "INV-001", txns[0].BillRefNumber)
	assert.Equal(t, int64(100000), txns[0].Amount.AmountMinor)
	assert.Equal(t, "600123", txns[0].BusinessShortCode)
	assert.Equal(t, "JANE DOE", txns[0].PayerName())
	assert.NotEmpty(t, txns[0].RawPayload, "raw payload preserved for audit")
}

func TestC2BValidation(t *testing.T) {
	webhook, _, _ := newTestWebhook(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/c2b/validation", strings.NewReader(c2bConfirmation))
	webhook.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ResultCode":0`)

	// Payer-typed casing and whitespace are matched the same way
	// allocation matches them.
	typed := strings.Replace(c2bConfirmation, "INV-001", "  inv-001 ", 1)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/c2b/validation", strings.NewReader(typed))
	webhook.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ResultCode":0`)

	unknown := strings.Replace(c2bConfirmation, "INV-001", "INV-999", 1)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/c2b/validation", strings.NewReader(unknown))
	webhook.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "C2B00012")
}
