package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidCollection(t *testing.T) {
	for _, name := range Collections() {
		if !ValidCollection(name) {
			t.Errorf("ValidCollection(%q) = false", name)
		}
	}
	for _, name := range []string{"", "widgets", "Transactions"} {
		if ValidCollection(name) {
			t.Errorf("ValidCollection(%q) = true", name)
		}
	}
}

func TestCollectionOf(t *testing.T) {
	tests := []struct {
		payload any
		want    string
	}{
		{payload: Transaction{}, want: Transactions},
		{payload: &Invoice{}, want: Invoices},
		{payload: Message{}, want: Messages},
		{payload: Report{}, want: Reports},
		{payload: &Notification{}, want: Notifications},
	}

	for _, tt := range tests {
		got, err := CollectionOf(tt.payload)
		if err != nil {
			t.Errorf("CollectionOf(%T) failed: %v", tt.payload, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CollectionOf(%T) = %q, want %q", tt.payload, got, tt.want)
		}
	}

	if _, err := CollectionOf("not a payload"); err == nil {
		t.Error("CollectionOf(string) succeeded, want error")
	}
}

func TestInvoiceLineTotal(t *testing.T) {
	inv := Invoice{
		ClientName: "acme",
		Lines: []InvoiceLine{
			{Description: "consulting", Quantity: decimal.NewFromInt(3), UnitPrice: decimal.RequireFromString("150.50")},
			{Description: "travel", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString("99.99")},
		},
	}

	// 3*150.50 + 99.99, exact decimal arithmetic.
	want := decimal.RequireFromString("551.49")
	if got := inv.LineTotal(); !got.Equal(want) {
		t.Errorf("LineTotal() = %s, want %s", got, want)
	}

	if got := (Invoice{}).LineTotal(); !got.Equal(decimal.Zero) {
		t.Errorf("empty invoice LineTotal() = %s, want 0", got)
	}
}
