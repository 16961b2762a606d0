// Package model defines the collection payloads synchronized by the engine.
package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Collection names persisted in the local store and addressed by the remote API.
const (
	Transactions  = "transactions"
	Invoices      = "invoices"
	Messages      = "messages"
	Reports       = "reports"
	Notifications = "notifications"
)

// Collections returns every collection the engine synchronizes, in a stable order.
func Collections() []string {
	return []string{Transactions, Invoices, Messages, Reports, Notifications}
}

// ValidCollection reports whether name is a known collection.
func ValidCollection(name string) bool {
	switch name {
	case Transactions, Invoices, Messages, Reports, Notifications:
		return true
	}
	return false
}

// Transaction is a single money movement.
// Amounts are decimals, never floats: the payload round-trips through JSON
// and the remote ledger, and cents must survive the trip.
type Transaction struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	Date        string          `json:"date,omitempty"`
}

// InvoiceLine is one billable line on an invoice.
type InvoiceLine struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

// Invoice is a bill issued to a client.
type Invoice struct {
	ClientName string          `json:"clientName"`
	Lines      []InvoiceLine   `json:"lines,omitempty"`
	Total      decimal.Decimal `json:"total"`
	DueDate    string          `json:"dueDate,omitempty"`
	Status     string          `json:"status,omitempty"`
}

// LineTotal computes the sum of an invoice's lines.
func (i Invoice) LineTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range i.Lines {
		sum = sum.Add(l.Quantity.Mul(l.UnitPrice))
	}
	return sum
}

// Message is a chat message.
type Message struct {
	Sender  string `json:"sender"`
	Body    string `json:"body"`
	Channel string `json:"channel,omitempty"`
}

// Report is a generated business report reference.
type Report struct {
	Title  string `json:"title"`
	Period string `json:"period,omitempty"`
}

// Notification is an in-app notification.
type Notification struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
	Read bool   `json:"read,omitempty"`
}

// CollectionOf maps a payload value to its collection name.
func CollectionOf(payload interface{}) (string, error) {
	switch payload.(type) {
	case Transaction, *Transaction:
		return Transactions, nil
	case Invoice, *Invoice:
		return Invoices, nil
	case Message, *Message:
		return Messages, nil
	case Report, *Report:
		return Reports, nil
	case Notification, *Notification:
		return Notifications, nil
	}
	return "", fmt.Errorf("no collection for payload type %T", payload)
}
