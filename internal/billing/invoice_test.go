package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospipay/internal/common/money"
)

func testInvoice(t *testing.T, totalMinor int64) *Invoice {
	t.Helper()
	inv, err := NewInvoice("01HVX", "INV-001", "PAT-1", "staff-1", []LineItem{
		{Description: "Consultation", Quantity: 1, UnitPrice: money.New(totalMinor, money.KES)},
	}, nil)
	require.NoError(t, err)
	return inv
}

func TestNewInvoice(t *testing.T) {
	inv, err := NewInvoice("01HVX", "INV-001", "PAT-1", "staff-1", []LineItem{
		{Description: "Consultation", Quantity: 2, UnitPrice: money.New(50000, money.KES)},
		{Description: "Lab test", Quantity: 1, UnitPrice: money.New(25000, money.KES)},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(125000), inv.TotalAmount.AmountMinor)
	assert.Equal(t, int64(125000), inv.BalanceAmount.AmountMinor)
	assert.True(t, inv.PaidAmount.IsZero())
	assert.Equal(t, InvoicePending, inv.Status)
	assert.Equal(t, int64(100000), inv.LineItems[0].Total.AmountMinor)
}

func TestNewInvoiceValidation(t *testing.T) {
	_, err := NewInvoice("01HVX", "INV-001", "PAT-1", "", nil, nil)
	assert.Error(t, err, "no line items")

	_, err = NewInvoice("01HVX", "INV-001", "PAT-1", "", []LineItem{
		{Description: "x", Quantity: 0, UnitPrice: money.New(100, money.KES)},
	}, nil)
	assert.Error(t, err, "zero quantity")

	_, err = NewInvoice("01HVX", "", "PAT-1", "", []LineItem{
		{Description: "x", Quantity: 1, UnitPrice: money.New(100, money.KES)},
	}, nil)
	assert.Error(t, err, "missing invoice number")
}

func TestApplyAmount(t *testing.T) {
	inv := testInvoice(t, 100000)

	require.NoError(t, inv.ApplyAmount(money.New(40000, money.KES)))
	assert.Equal(t, InvoicePartial, inv.Status)
	assert.Equal(t, int64(40000), inv.PaidAmount.AmountMinor)
	assert.Equal(t, int64(60000), inv.BalanceAmount.AmountMinor)

	require.NoError(t, inv.ApplyAmount(money.New(60000, money.KES)))
	assert.Equal(t, InvoicePaid, inv.Status)
	assert.True(t, inv.BalanceAmount.IsZero())

	// paid + balance must always equal total
	sum, err := inv.PaidAmount.Add(inv.BalanceAmount)
	require.NoError(t, err)
	assert.True(t, sum.Equal(inv.TotalAmount))
}

func TestApplyAmountRejectsOverpayment(t *testing.T) {
	inv := testInvoice(t, 100000)

	err := inv.ApplyAmount(money.New(100001, money.KES))
	require.ErrorIs(t, err, ErrOverpayment)
	assert.True(t, inv.PaidAmount.IsZero(), "rejected payment must not move the balance")
	assert.Equal(t, InvoicePending, inv.Status)
}

func TestApplyAmountOnClosedInvoice(t *testing.T) {
	inv := testInvoice(t, 100000)
	require.NoError(t, inv.ApplyAmount(money.New(100000, money.KES)))

	err := inv.ApplyAmount(money.New(100, money.KES))
	assert.ErrorIs(t, err, ErrInvoiceClosed)

	cancelled := testInvoice(t, 100000)
	require.NoError(t, cancelled.Cancel("duplicate entry"))
	err = cancelled.ApplyAmount(money.New(100, money.KES))
	assert.ErrorIs(t, err, ErrInvoiceClosed)
}

func TestApplyAmountRejectsNonPositive(t *testing.T) {
	inv := testInvoice(t, 100000)
	assert.ErrorIs(t, inv.ApplyAmount(money.Zero(money.KES)), ErrInvalidAmount)
	assert.ErrorIs(t, inv.ApplyAmount(money.New(-500, money.KES)), ErrInvalidAmount)
}

func TestReverseAmount(t *testing.T) {
	inv := testInvoice(t, 100000)
	require.NoError(t, inv.ApplyAmount(money.New(100000, money.KES)))
	require.Equal(t, InvoicePaid, inv.Status)

	require.NoError(t, inv.ReverseAmount(money.New(100000, money.KES)))
	assert.Equal(t, InvoicePending, inv.Status)
	assert.True(t, inv.PaidAmount.IsZero())
	assert.Equal(t, int64(100000), inv.BalanceAmount.AmountMinor)

	err := inv.ReverseAmount(money.New(100, money.KES))
	assert.Error(t, err, "cannot reverse more than was paid")
}

func TestCancel(t *testing.T) {
	inv := testInvoice(t, 100000)
	require.NoError(t, inv.Cancel("patient left"))
	assert.Equal(t, InvoiceCancelled, inv.Status)
	assert.NotNil(t, inv.CancelledAt)
	assert.Equal(t, "patient left", inv.CancelReason)

	paid := testInvoice(t, 100000)
	require.NoError(t, paid.ApplyAmount(money.New(50000, money.KES)))
	assert.Error(t, paid.Cancel("oops"), "invoice with payments requires refund first")
}

func TestMarkOverdue(t *testing.T) {
	due := time.Now().Add(-24 * time.Hour)
	inv, err := NewInvoice("01HVX", "INV-001", "PAT-1", "", []LineItem{
		{Description: "Ward fee", Quantity: 1, UnitPrice: money.New(100000, money.KES)},
	}, &due)
	require.NoError(t, err)

	assert.True(t, inv.MarkOverdue(time.Now()))
	assert.Equal(t, InvoiceOverdue, inv.Status)
	assert.False(t, inv.MarkOverdue(time.Now()), "already overdue")

	assert.True(t, inv.IsOpen(), "overdue invoices still accept payments")
	require.NoError(t, inv.ApplyAmount(money.New(100000, money.KES)))
	assert.Equal(t, InvoicePaid, inv.Status)
}
