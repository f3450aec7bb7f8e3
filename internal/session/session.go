// Package session tracks per-attempt payment flows at the counter: a clerk
// or patient starts an STK push or a manual paybill payment and watches it
// until it settles, fails, or times out. Sessions live in memory only; the
// reconciliation engine, not the session, is the source of truth for money
// movement, so an abandoned session never loses a payment.
package session

import (
	"errors"
	"fmt"
	"time"

	"hospipay/internal/common/money"
)

// State is the lifecycle state of a payment session.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
	StateTimeout    State = "timeout"
)

// Method is how the payer pays within the session.
type Method string

const (
	// MethodSTK prompts the payer's phone for PIN entry.
	MethodSTK Method = "stk"
	// MethodManual shows paybill instructions and waits for the payer to
	// complete the payment on their own phone.
	MethodManual Method = "manual"
)

// Session errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidState    = errors.New("operation not allowed in current session state")
)

// Session is one payment attempt. A session is isolated per attempt: retry
// after failure or timeout resets it rather than creating shared state.
type Session struct {
	ID               string      `json:"id"`
	InvoiceID        string      `json:"invoice_id"`
	InvoiceReference string      `json:"invoice_reference"`
	Amount           money.Money `json:"amount"`
	PhoneNumber      string      `json:"phone_number,omitempty"`
	Method           Method      `json:"method"`
	// Embedded marks a session driven from within another screen rather
	// than the standalone payment page; behavior is identical, the client
	// renders it differently.
	Embedded          bool      `json:"embedded"`
	State             State     `json:"state"`
	CountdownSeconds  int       `json:"countdown_seconds"`
	TransactionID     string    `json:"transaction_id,omitempty"`
	CheckoutRequestID string    `json:"checkout_request_id,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	// starting claims the session while Start's gateway call is in flight,
	// outside the manager lock. A claimed session rejects a second Start
	// so one attempt never fires two prompts at the payer's phone.
	starting bool
}

// Terminal reports whether the current attempt has concluded.
func (s *Session) Terminal() bool {
	switch s.State {
	case StateSuccess, StateFailed, StateTimeout:
		return true
	}
	return false
}

// transition moves the session to a new state, enforcing the state machine.
func (s *Session) transition(to State) error {
	allowed := map[State][]State{
		StatePending:    {StateProcessing, StateFailed},
		StateProcessing: {StateSuccess, StateFailed, StateTimeout},
		StateFailed:     {StatePending},
		StateTimeout:    {StatePending},
		StateSuccess:    {},
	}
	for _, next := range allowed[s.State] {
		if next == to {
			s.State = to
			s.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, s.State, to)
}

// reset returns a failed or timed-out session to pending for a fresh
// attempt, clearing everything the previous attempt left behind.
func (s *Session) reset() error {
	if s.State != StateFailed && s.State != StateTimeout {
		return fmt.Errorf("%w: reset from %s", ErrInvalidState, s.State)
	}
	s.State = StatePending
	s.TransactionID = ""
	s.CheckoutRequestID = ""
	s.FailureReason = ""
	s.CountdownSeconds = 0
	s.UpdatedAt = time.Now().UTC()
	return nil
}
