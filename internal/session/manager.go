package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"hospipay/internal/billing"
	"hospipay/internal/common/money"
	"hospipay/internal/providers/mpesa"
	"hospipay/internal/recon"
)

// Gateway is the slice of the provider adapter the manager needs.
type Gateway interface {
	InitiatePush(ctx context.Context, phoneNumber string, amount money.Money, accountReference string) (*mpesa.PushHandle, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.PushStatus, error)
	Instructions(accountReference string, amount money.Money) mpesa.PaybillInstructions
}

// InvoiceLookup resolves the invoice a session pays.
type InvoiceLookup interface {
	GetInvoice(ctx context.Context, id string) (*billing.Invoice, error)
}

// Config holds session manager configuration.
type Config struct {
	WaitBudget time.Duration `envconfig:"SESSION_WAIT_BUDGET" default:"60s"`
	// GracePeriod is the extra wait granted when the provider confirms the
	// push succeeded but its callback has not landed yet.
	GracePeriod time.Duration `envconfig:"SESSION_GRACE_PERIOD" default:"10s"`
	// TTL is how long an idle session may sit in the registry before the
	// janitor destroys it. Processing sessions are never swept.
	TTL time.Duration `envconfig:"SESSION_TTL" default:"1h"`
}

// Manager owns the in-memory session registry. Each waiting session runs
// its own goroutine subscribed to reconciliation outcomes; no session ever
// blocks another, and nothing here holds ledger locks while waiting.
type Manager struct {
	cfg       Config
	gateway   Gateway
	invoices  InvoiceLookup
	pushStore mpesa.PushStore
	notifier  *recon.Notifier
	logger    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	waiters  map[string]context.CancelFunc
}

// NewManager creates a new session manager.
func NewManager(cfg Config, gateway Gateway, invoices InvoiceLookup, pushStore mpesa.PushStore, notifier *recon.Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		gateway:   gateway,
		invoices:  invoices,
		pushStore: pushStore,
		notifier:  notifier,
		logger:    logger.With("component", "session"),
		sessions:  make(map[string]*Session),
		waiters:   make(map[string]context.CancelFunc),
	}
}

// CreateRequest is the input for opening a payment session.
type CreateRequest struct {
	InvoiceID   string `json:"invoice_id" validate:"required"`
	Method      Method `json:"method" validate:"required,oneof=stk manual"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Embedded    bool   `json:"embedded,omitempty"`
}

// Create opens a session against an open invoice. The amount is the
// invoice's outstanding balance.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	inv, err := m.invoices.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.IsOpen() {
		return nil, fmt.Errorf("invoice %s is %s: %w", inv.InvoiceNumber, inv.Status, billing.ErrInvoiceClosed)
	}

	s := &Session{
		ID:               ulid.Make().String(),
		InvoiceID:        inv.ID,
		InvoiceReference: inv.InvoiceNumber,
		Amount:           inv.BalanceAmount,
		PhoneNumber:      req.PhoneNumber,
		Method:           req.Method,
		Embedded:         req.Embedded,
		State:            StatePending,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "session created",
		"session_id", s.ID,
		"invoice_number", s.InvoiceReference,
		"method", s.Method,
		"amount", s.Amount.String(),
	)
	return s, nil
}

// Get returns a snapshot of a session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	snapshot := *s
	return &snapshot, nil
}

// Instructions returns the manual paybill instructions for a session.
func (m *Manager) Instructions(id string) (*mpesa.PaybillInstructions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	instructions := m.gateway.Instructions(s.InvoiceReference, s.Amount)
	return &instructions, nil
}

// PushRequest returns the stored push record for a checkout request, for
// staff chasing up an attempt whose callback never landed.
func (m *Manager) PushRequest(ctx context.Context, checkoutRequestID string) (*mpesa.PushRequest, error) {
	return m.pushStore.GetPushRequest(ctx, checkoutRequestID)
}

// StartRequest optionally overrides the phone number at start time.
type StartRequest struct {
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Start begins the attempt: an STK session initiates the push, a manual
// session begins waiting for the payer's own paybill payment. Either way
// the session moves to processing and a bounded wait begins. An invalid
// phone number fails locally and leaves the session pending for correction.
func (m *Manager) Start(ctx context.Context, id string, req StartRequest) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.State != StatePending {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: start from %s", ErrInvalidState, s.State)
	}
	if s.starting {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: start already in flight", ErrInvalidState)
	}
	s.starting = true
	if req.PhoneNumber != "" {
		s.PhoneNumber = req.PhoneNumber
	}
	phone := s.PhoneNumber
	method := s.Method
	amount := s.Amount
	reference := s.InvoiceReference
	m.mu.Unlock()

	var handle *mpesa.PushHandle
	if method == MethodSTK {
		normalized, err := mpesa.NormalizePhone(phone)
		if err != nil {
			m.releaseStarting(id)
			return nil, err
		}

		handle, err = m.gateway.InitiatePush(ctx, normalized, amount, reference)
		if err != nil {
			if errors.Is(err, mpesa.ErrGatewayUnavailable) {
				m.fail(id, "payment gateway unavailable")
			}
			m.releaseStarting(id)
			return nil, err
		}

		if err := m.pushStore.CreatePushRequest(ctx, &mpesa.PushRequest{
			CheckoutRequestID: handle.CheckoutRequestID,
			MerchantRequestID: handle.MerchantRequestID,
			AccountReference:  reference,
			PhoneNumber:       normalized,
			Amount:            amount,
			Status:            mpesa.PushInitiated,
			CreatedAt:         time.Now().UTC(),
			UpdatedAt:         time.Now().UTC(),
		}); err != nil {
			m.logger.ErrorContext(ctx, "recording push request",
				"checkout_request_id", handle.CheckoutRequestID, "error", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		// Cancelled while the push was in flight; reconciliation still
		// applies the transaction if it lands.
		return nil, ErrSessionNotFound
	}
	s.starting = false
	if err := s.transition(StateProcessing); err != nil {
		return nil, err
	}
	s.CountdownSeconds = int(m.cfg.WaitBudget / time.Second)
	if handle != nil {
		s.CheckoutRequestID = handle.CheckoutRequestID
	}

	// The waiter outlives the HTTP request that started it. Cancellation
	// is explicit, via Cancel or Reset.
	waitCtx, cancel := context.WithCancel(context.Background())
	m.waiters[id] = cancel
	outcomes, unsubscribe := m.notifier.Subscribe(s.InvoiceReference)
	go m.wait(waitCtx, id, s.CheckoutRequestID, outcomes, unsubscribe)

	snapshot := *s
	return &snapshot, nil
}

// Cancel closes a pending or processing session and destroys it. An
// already-initiated push is not retracted; if it lands, reconciliation
// still applies it to the invoice.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State != StatePending && s.State != StateProcessing {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidState, s.State)
	}
	m.stopWaiterLocked(id)
	delete(m.sessions, id)
	m.logger.Info("session cancelled", "session_id", id, "state", s.State)
	return nil
}

// Reset returns a failed or timed-out session to pending for a retry.
func (m *Manager) Reset(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if err := s.reset(); err != nil {
		return nil, err
	}
	snapshot := *s
	return &snapshot, nil
}

// Close destroys a terminal session once the outcome is acknowledged.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if !s.Terminal() {
		return fmt.Errorf("%w: close from %s", ErrInvalidState, s.State)
	}
	m.stopWaiterLocked(id)
	delete(m.sessions, id)
	return nil
}

// SweepExpired destroys sessions left idle past the TTL, abandoned by
// front-ends that never called Close. Processing sessions are exempt;
// their waiter concludes them first.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for id, s := range m.sessions {
		if s.State == StateProcessing {
			continue
		}
		if now.Sub(s.UpdatedAt) < m.cfg.TTL {
			continue
		}
		m.stopWaiterLocked(id)
		delete(m.sessions, id)
		swept++
	}
	if swept > 0 {
		m.logger.Info("expired sessions swept", "count", swept)
	}
	return swept
}

// Shutdown stops all waiters.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.waiters {
		m.stopWaiterLocked(id)
	}
}

// wait is the bounded suspension of one processing session. It counts the
// budget down once a second, completes on a reconciliation outcome for the
// session's invoice reference, and otherwise times out. On timeout an STK
// session gets one status query; a push the provider says succeeded earns a
// grace period for its callback to land.
func (m *Manager) wait(ctx context.Context, id, checkoutRequestID string, outcomes <-chan recon.Outcome, unsubscribe func()) {
	defer unsubscribe()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	deadline := time.NewTimer(m.cfg.WaitBudget)
	defer deadline.Stop()

	inGrace := false
	for {
		select {
		case <-ctx.Done():
			return

		case outcome := <-outcomes:
			if m.settle(id, outcome) {
				return
			}

		case <-ticker.C:
			m.tick(id)

		case <-deadline.C:
			if !inGrace && checkoutRequestID != "" && m.pushLooksSuccessful(ctx, checkoutRequestID) {
				inGrace = true
				deadline.Reset(m.cfg.GracePeriod)
				continue
			}
			m.timeout(id)
			return
		}
	}
}

// settle applies a reconciliation outcome to the session. It returns false
// for outcomes that do not conclude the attempt, such as a duplicate of an
// older transaction.
func (m *Manager) settle(id string, outcome recon.Outcome) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.State != StateProcessing {
		return true
	}

	switch outcome.Status {
	case recon.OutcomeAllocated:
		if s.transition(StateSuccess) == nil {
			s.TransactionID = outcome.TransID
			s.CountdownSeconds = 0
			delete(m.waiters, id)
			m.logger.Info("session completed",
				"session_id", id, "trans_id", outcome.TransID)
		}
		return true
	case recon.OutcomeFailed, recon.OutcomeOverAmount, recon.OutcomeAlreadySettled:
		if s.transition(StateFailed) == nil {
			s.FailureReason = outcome.Reason
			s.CountdownSeconds = 0
			delete(m.waiters, id)
			m.logger.Info("session failed",
				"session_id", id, "status", outcome.Status, "reason", outcome.Reason)
		}
		return true
	default:
		// Unmatched or duplicate outcomes for this reference belong to
		// other transactions; keep waiting.
		return false
	}
}

func (m *Manager) tick(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if ok && s.State == StateProcessing && s.CountdownSeconds > 0 {
		s.CountdownSeconds--
	}
}

func (m *Manager) timeout(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.State != StateProcessing {
		return
	}
	if s.transition(StateTimeout) == nil {
		s.CountdownSeconds = 0
		delete(m.waiters, id)
		m.logger.Info("session timed out", "session_id", id,
			"invoice_number", s.InvoiceReference)
	}
}

func (m *Manager) fail(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	// A gateway failure can land before the session ever reached
	// processing.
	if s.transition(StateFailed) == nil {
		s.FailureReason = reason
	}
}

// pushLooksSuccessful asks the provider whether a push that produced no
// callback within the budget actually went through.
func (m *Manager) pushLooksSuccessful(ctx context.Context, checkoutRequestID string) bool {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status, err := m.gateway.QueryStatus(queryCtx, checkoutRequestID)
	if err != nil || status.Pending {
		return false
	}
	return status.ResultCode == 0
}

// releaseStarting drops the in-flight claim when a Start attempt returns
// without reaching processing.
func (m *Manager) releaseStarting(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.starting = false
	}
}

func (m *Manager) stopWaiterLocked(id string) {
	if cancel, ok := m.waiters[id]; ok {
		cancel()
		delete(m.waiters, id)
	}
}
