// Package recon matches inbound provider transactions to invoices. Every
// confirmed M-PESA transaction lands here exactly once, keyed by the
// provider's TransID, and is either allocated to the invoice named by its
// bill reference or parked on the unallocated queue for staff review.
package recon

import (
	"encoding/json"
	"strings"
	"time"

	"hospipay/internal/common/money"
)

// NormalizeBillRef canonicalizes a payer-typed bill reference for matching
// against invoice numbers. Validation and allocation must agree on this, or
// a payer is rejected at the prompt for a reference confirmation would
// reconcile.
func NormalizeBillRef(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

// ProviderTransaction is a normalized inbound transaction from the payment
// provider, whether it arrived via an STK push callback or a C2B paybill
// confirmation.
type ProviderTransaction struct {
	TransID              string          `json:"trans_id"`
	TransactionType      string          `json:"transaction_type"`
	TransTime            string          `json:"trans_time"`
	Amount               money.Money     `json:"amount"`
	BusinessShortCode    string          `json:"business_short_code"`
	BillRefNumber        string          `json:"bill_ref_number"`
	OrgAccountBalance    string          `json:"org_account_balance,omitempty"`
	MSISDN               string          `json:"msisdn"`
	FirstName            string          `json:"first_name,omitempty"`
	MiddleName           string          `json:"middle_name,omitempty"`
	LastName             string          `json:"last_name,omitempty"`
	RawPayload           json.RawMessage `json:"-"`
	IsAllocated          bool            `json:"is_allocated"`
	AllocatedToInvoiceID string          `json:"allocated_to_invoice_id,omitempty"`
	AllocatedAt          *time.Time      `json:"allocated_at,omitempty"`
	ReceivedAt           time.Time       `json:"received_at"`
}

// PayerName joins the payer name parts the provider sends.
func (t *ProviderTransaction) PayerName() string {
	name := t.FirstName
	if t.MiddleName != "" {
		name += " " + t.MiddleName
	}
	if t.LastName != "" {
		name += " " + t.LastName
	}
	return name
}

// OutcomeStatus classifies the result of an allocation attempt.
type OutcomeStatus string

const (
	// OutcomeAllocated means the transaction was applied to an invoice.
	OutcomeAllocated OutcomeStatus = "allocated"
	// OutcomeUnmatched means no invoice carries the bill reference.
	OutcomeUnmatched OutcomeStatus = "unmatched"
	// OutcomeDuplicate means this TransID was already applied; redelivery.
	OutcomeDuplicate OutcomeStatus = "duplicate"
	// OutcomeAlreadySettled means the referenced invoice is paid or cancelled.
	OutcomeAlreadySettled OutcomeStatus = "already_settled"
	// OutcomeOverAmount means the amount exceeds the invoice balance.
	OutcomeOverAmount OutcomeStatus = "over_amount"
	// OutcomeFailed means the provider reported the push declined or
	// cancelled; no transaction will arrive for it.
	OutcomeFailed OutcomeStatus = "failed"
)

// Terminal reports whether the outcome settles the payer's transaction, as
// opposed to leaving it queued for staff review.
func (s OutcomeStatus) Terminal() bool {
	return s == OutcomeAllocated || s == OutcomeDuplicate
}

// Outcome is the result of reconciling one provider transaction.
type Outcome struct {
	Status        OutcomeStatus `json:"status"`
	TransID       string        `json:"trans_id"`
	InvoiceID     string        `json:"invoice_id,omitempty"`
	InvoiceNumber string        `json:"invoice_number,omitempty"`
	PaymentID     string        `json:"payment_id,omitempty"`
	Balance       money.Money   `json:"balance"`
	Reason        string        `json:"reason,omitempty"`
}
