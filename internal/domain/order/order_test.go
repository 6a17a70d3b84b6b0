package order

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSnapshot_DerivesSubtotal(t *testing.T) {
	o := FromSnapshot(Snapshot{
		ID:       "7",
		Items:    []Item{{ID: "1", ProductID: "p1", Total: decimal.RequireFromString("18.00")}},
		Discount: decimal.RequireFromString("2.00"),
		Total:    decimal.RequireFromString("18.00"),
	})

	assert.Equal(t, StatusDraft, o.Status)
	assert.True(t, decimal.RequireFromString("20.00").Equal(o.Subtotal))
	require.NoError(t, o.Check())
}

func TestCheck_Mismatch(t *testing.T) {
	o := Order{
		Subtotal: decimal.RequireFromString("20.00"),
		Discount: decimal.RequireFromString("1.00"),
		Total:    decimal.RequireFromString("18.00"),
	}
	require.ErrorIs(t, o.Check(), ErrTotalsMismatch)
}

func TestCheck_WithinTolerance(t *testing.T) {
	o := Order{
		Subtotal: decimal.RequireFromString("20.005"),
		Discount: decimal.Zero,
		Total:    decimal.RequireFromString("20.00"),
	}
	require.NoError(t, o.Check())
}

func TestFindProduct(t *testing.T) {
	o := Order{Items: []Item{
		{ID: "10", ProductID: "a"},
		{ID: "11", ProductID: "b"},
	}}

	it, ok := o.FindProduct("b")
	require.True(t, ok)
	assert.Equal(t, "11", it.ID)

	_, ok = o.FindProduct("c")
	assert.False(t, ok)
	assert.Equal(t, []string{"10", "11"}, o.ItemIDs())
}

func TestClone_DoesNotShareItems(t *testing.T) {
	o := Order{Items: []Item{{ID: "1"}}}
	c := o.Clone()
	c.Items[0].ID = "2"
	assert.Equal(t, "1", o.Items[0].ID)
}

func TestEmpty(t *testing.T) {
	o := Empty("5")
	assert.True(t, o.IsEmpty())
	assert.True(t, o.Total.IsZero())
	assert.Equal(t, "draft", o.Status.String())
	require.NoError(t, o.Check())
}
