package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospipay/internal/billing"
	"hospipay/internal/common/database"
	"hospipay/internal/common/money"
	"hospipay/internal/providers/mpesa"
	"hospipay/internal/recon"
)

type fakeGateway struct {
	mu          sync.Mutex
	pushErr     error
	queryStatus *mpesa.PushStatus
	pushes      int
	blockPush   chan struct{}
}

func (g *fakeGateway) InitiatePush(_ context.Context, phone string, amount money.Money, ref string) (*mpesa.PushHandle, error) {
	g.mu.Lock()
	if g.pushErr != nil {
		g.mu.Unlock()
		return nil, g.pushErr
	}
	block := g.blockPush
	g.mu.Unlock()

	if block != nil {
		<-block
	}

	g.mu.Lock()
	g.pushes++
	g.mu.Unlock()
	return &mpesa.PushHandle{
		MerchantRequestID: "m-1",
		CheckoutRequestID: "ws_CO_1",
	}, nil
}

func (g *fakeGateway) pushCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pushes
}

func (g *fakeGateway) QueryStatus(_ context.Context, id string) (*mpesa.PushStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryStatus != nil {
		return g.queryStatus, nil
	}
	return &mpesa.PushStatus{CheckoutRequestID: id, Pending: true}, nil
}

func (g *fakeGateway) Instructions(ref string, amount money.Money) mpesa.PaybillInstructions {
	return mpesa.PaybillInstructions{
		BusinessShortCode: "600123",
		AccountReference:  ref,
		Amount:            amount,
	}
}

type fakeInvoices struct {
	mu       sync.Mutex
	invoices map[string]*billing.Invoice
}

func (f *fakeInvoices) GetInvoice(_ context.Context, id string) (*billing.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

type fakePushStore struct {
	mu       sync.Mutex
	requests map[string]*mpesa.PushRequest
}

func (s *fakePushStore) CreatePushRequest(_ context.Context, r *mpesa.PushRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.requests[r.CheckoutRequestID] = &cp
	return nil
}

func (s *fakePushStore) GetPushRequest(_ context.Context, id string) (*mpesa.PushRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakePushStore) RecordPushResult(_ context.Context, id string, code int, desc string) (*mpesa.PushRequest, error) {
	return s.GetPushRequest(context.Background(), id)
}

type testEnv struct {
	manager  *Manager
	gateway  *fakeGateway
	notifier *recon.Notifier
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if cfg.WaitBudget == 0 {
		cfg.WaitBudget = time.Minute
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}

	inv, err := billing.NewInvoice("inv-1", "INV-001", "PAT-1", "", []billing.LineItem{
		{Description: "Consultation", Quantity: 1, UnitPrice: money.New(100000, money.KES)},
	}, nil)
	require.NoError(t, err)

	gateway := &fakeGateway{}
	notifier := recon.NewNotifier()
	invoices := &fakeInvoices{invoices: map[string]*billing.Invoice{"inv-1": inv}}
	pushStore := &fakePushStore{requests: make(map[string]*mpesa.PushRequest)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	manager := NewManager(cfg, gateway, invoices, pushStore, notifier, logger)
	t.Cleanup(manager.Shutdown)

	return &testEnv{manager: manager, gateway: gateway, notifier: notifier}
}

func (e *testEnv) createAndStart(t *testing.T, method Method) *Session {
	t.Helper()
	s, err := e.manager.Create(context.Background(), CreateRequest{
		InvoiceID:   "inv-1",
		Method:      method,
		PhoneNumber: "0712345678",
	})
	require.NoError(t, err)

	started, err := e.manager.Start(context.Background(), s.ID, StartRequest{})
	require.NoError(t, err)
	require.Equal(t, StateProcessing, started.State)
	return started
}

func (e *testEnv) waitForState(t *testing.T, id string, want State) *Session {
	t.Helper()
	var got *Session
	require.Eventually(t, func() bool {
		s, err := e.manager.Get(id)
		if err != nil {
			return false
		}
		got = s
		return s.State == want
	}, 5*time.Second, 10*time.Millisecond, "session never reached %s", want)
	return got
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t, Config{})

	s, err := env.manager.Create(context.Background(), CreateRequest{
		InvoiceID: "inv-1",
		Method:    MethodSTK,
	})
	require.NoError(t, err)
	assert.Equal(t, StatePending, s.State)
	assert.Equal(t, "INV-001", s.InvoiceReference)
	assert.Equal(t, int64(100000), s.Amount.AmountMinor, "session amount is the outstanding balance")

	_, err = env.manager.Create(context.Background(), CreateRequest{InvoiceID: "missing", Method: MethodSTK})
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestStartSTK(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createAndStart(t, MethodSTK)

	assert.Equal(t, "ws_CO_1", s.CheckoutRequestID)
	assert.Equal(t, 60, s.CountdownSeconds)
	assert.Equal(t, 1, env.gateway.pushCount())

	// start is not re-entrant
	_, err := env.manager.Start(context.Background(), s.ID, StartRequest{})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestStartInvalidPhoneStaysPending(t *testing.T) {
	env := newTestEnv(t, Config{})
	s, err := env.manager.Create(context.Background(), CreateRequest{
		InvoiceID:   "inv-1",
		Method:      MethodSTK,
		PhoneNumber: "0812345678",
	})
	require.NoError(t, err)

	_, err = env.manager.Start(context.Background(), s.ID, StartRequest{})
	require.ErrorIs(t, err, mpesa.ErrInvalidPhone)

	current, err := env.manager.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, current.State, "user corrects the number and starts again")
	assert.Equal(t, 0, env.gateway.pushCount())
}

func TestStartGatewayDownFailsSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.gateway.pushErr = mpesa.ErrGatewayUnavailable

	s, err := env.manager.Create(context.Background(), CreateRequest{
		InvoiceID:   "inv-1",
		Method:      MethodSTK,
		PhoneNumber: "0712345678",
	})
	require.NoError(t, err)

	_, err = env.manager.Start(context.Background(), s.ID, StartRequest{})
	require.ErrorIs(t, err, mpesa.ErrGatewayUnavailable)

	current, err := env.manager.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, current.State)
}

func TestSessionSuccessOnAllocation(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createAndStart(t, MethodSTK)

	env.notifier.Notify("INV-001", recon.Outcome{
		Status:  recon.OutcomeAllocated,
		TransID: "NLJ7RT61SV",
	})

	final := env.waitForState(t, s.ID, StateSuccess)
	assert.Equal(t, "NLJ7RT61SV", final.TransactionID)
	assert.Equal(t, 0, final.CountdownSeconds)
}

func TestSessionFailsOnDeclinedPush(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createAndStart(t, MethodSTK)

	env.notifier.Notify("INV-001", recon.Outcome{
		Status: recon.OutcomeFailed,
		Reason: "Request cancelled by user",
	})

	final := env.waitForState(t, s.ID, StateFailed)
	assert.Equal(t, "Request cancelled by user", final.FailureReason)
}

func TestSessionTimeout(t *testing.T) {
	env := newTestEnv(t, Config{WaitBudget: 100 * time.Millisecond, GracePeriod: 50 * time.Millisecond})
	s := env.createAndStart(t, MethodSTK)

	final := env.waitForState(t, s.ID, StateTimeout)
	assert.Empty(t, final.TransactionID)
}

func TestSessionGracePeriodAfterConfirmedPush(t *testing.T) {
	env := newTestEnv(t, Config{WaitBudget: 100 * time.Millisecond, GracePeriod: 2 * time.Second})
	// Provider says the push went through; the callback just hasn't landed.
	env.gateway.queryStatus = &mpesa.PushStatus{ResultCode: 0}

	s := env.createAndStart(t, MethodSTK)

	time.Sleep(300 * time.Millisecond)
	env.notifier.Notify("INV-001", recon.Outcome{
		Status:  recon.OutcomeAllocated,
		TransID: "NLJ7RT61SV",
	})

	final := env.waitForState(t, s.ID, StateSuccess)
	assert.Equal(t, "NLJ7RT61SV", final.TransactionID)
}

func TestResetAfterTimeout(t *testing.T) {
	env := newTestEnv(t, Config{WaitBudget: 100 * time.Millisecond, GracePeriod: 50 * time.Millisecond})
	s := env.createAndStart(t, MethodSTK)
	env.waitForState(t, s.ID, StateTimeout)

	reset, err := env.manager.Reset(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, reset.State)
	assert.Empty(t, reset.TransactionID)
	assert.Empty(t, reset.CheckoutRequestID)
	assert.Zero(t, reset.CountdownSeconds)

	// the fresh attempt can start again
	started, err := env.manager.Start(context.Background(), s.ID, StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, started.State)
}

func TestResetRequiresTerminalState(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createAndStart(t, MethodSTK)

	_, err := env.manager.Reset(s.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelProcessingSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createAndStart(t, MethodSTK)

	require.NoError(t, env.manager.Cancel(s.ID))

	_, err := env.manager.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// cancelling an unknown session
	assert.ErrorIs(t, env.manager.Cancel(s.ID), ErrSessionNotFound)
}

func TestCancelDoesNotBlockOtherSessions(t *testing.T) {
	env := newTestEnv(t, Config{})
	first := env.createAndStart(t, MethodSTK)
	second := env.createAndStart(t, MethodSTK)

	require.NoError(t, env.manager.Cancel(first.ID))

	env.notifier.Notify("INV-001", recon.Outcome{
		Status:  recon.OutcomeAllocated,
		TransID: "NLJ7RT61SV",
	})

	final := env.waitForState(t, second.ID, StateSuccess)
	assert.Equal(t, "NLJ7RT61SV", final.TransactionID)
}

func TestManualSessionWaitsForPaybill(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createAndStart(t, MethodManual)
	assert.Empty(t, s.CheckoutRequestID, "manual sessions initiate no push")
	assert.Equal(t, 0, env.gateway.pushCount())

	instructions, err := env.manager.Instructions(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "600123", instructions.BusinessShortCode)
	assert.Equal(t, "INV-001", instructions.AccountReference)

	env.notifier.Notify("INV-001", recon.Outcome{
		Status:  recon.OutcomeAllocated,
		TransID: "RKTQDM7W6S",
	})
	final := env.waitForState(t, s.ID, StateSuccess)
	assert.Equal(t, "RKTQDM7W6S", final.TransactionID)
}

func TestCloseTerminalSession(t *testing.T) {
	env := newTestEnv(t, Config{})
	s := env.createAndStart(t, MethodSTK)

	assert.ErrorIs(t, env.manager.Close(s.ID), ErrInvalidState)

	env.notifier.Notify("INV-001", recon.Outcome{Status: recon.OutcomeAllocated, TransID: "X"})
	env.waitForState(t, s.ID, StateSuccess)

	require.NoError(t, env.manager.Close(s.ID))
	_, err := env.manager.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStartConcurrentFiresOnePush(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.gateway.blockPush = make(chan struct{})

	s, err := env.manager.Create(context.Background(), CreateRequest{
		InvoiceID:   "inv-1",
		Method:      MethodSTK,
		PhoneNumber: "0712345678",
	})
	require.NoError(t, err)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.manager.Start(context.Background(), s.ID, StartRequest{})
			results <- err
		}()
	}

	// One attempt holds the claim and blocks inside the gateway; the other
	// must be rejected before it can prompt the payer a second time.
	var rejected error
	select {
	case rejected = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("second start was not rejected while the first was in flight")
	}
	assert.ErrorIs(t, rejected, ErrInvalidState)

	close(env.gateway.blockPush)
	require.NoError(t, <-results)

	assert.Equal(t, 1, env.gateway.pushCount())
	got, err := env.manager.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, got.State)
}

func TestPushRequestLookup(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.createAndStart(t, MethodSTK)

	req, err := env.manager.PushRequest(context.Background(), "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, "INV-001", req.AccountReference)

	_, err = env.manager.PushRequest(context.Background(), "ws_CO_unknown")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t, Config{TTL: time.Minute})

	abandoned, err := env.manager.Create(context.Background(), CreateRequest{
		InvoiceID: "inv-1",
		Method:    MethodManual,
	})
	require.NoError(t, err)

	active := env.createAndStart(t, MethodSTK)

	swept := env.manager.SweepExpired(time.Now().UTC().Add(2 * time.Minute))
	assert.Equal(t, 1, swept)

	_, err = env.manager.Get(abandoned.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	got, err := env.manager.Get(active.ID)
	require.NoError(t, err, "processing sessions are never swept")
	assert.Equal(t, StateProcessing, got.State)
}
