package offline

import (
	"context"
	"encoding/json"

	"github.com/mbellard/ledgersync/internal/model"
	"github.com/mbellard/ledgersync/internal/store"
)

// CreateTransaction persists a transaction through the online/offline path.
func (f *Facade) CreateTransaction(ctx context.Context, t model.Transaction) (*store.Record, error) {
	return f.createTyped(ctx, model.Transactions, t)
}

// CreateInvoice persists an invoice through the online/offline path.
func (f *Facade) CreateInvoice(ctx context.Context, inv model.Invoice) (*store.Record, error) {
	return f.createTyped(ctx, model.Invoices, inv)
}

// CreateMessage persists a chat message through the online/offline path.
func (f *Facade) CreateMessage(ctx context.Context, m model.Message) (*store.Record, error) {
	return f.createTyped(ctx, model.Messages, m)
}

// CreateReport persists a report reference through the online/offline path.
func (f *Facade) CreateReport(ctx context.Context, r model.Report) (*store.Record, error) {
	return f.createTyped(ctx, model.Reports, r)
}

// CreateNotification persists a notification through the online/offline path.
func (f *Facade) CreateNotification(ctx context.Context, n model.Notification) (*store.Record, error) {
	return f.createTyped(ctx, model.Notifications, n)
}

func (f *Facade) createTyped(ctx context.Context, collection string, payload interface{}) (*store.Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return f.Create(ctx, collection, data)
}
