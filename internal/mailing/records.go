package mailing

import (
	"context"
	"time"

	"mailbot/internal/storage"
)

type RecordStore interface {
	CreateMailing(ctx context.Context, m storage.Mailing) (int64, error)
	ApplyMailingDelta(ctx context.Context, id int64, delivered, errs int) error
	RecentMailings(ctx context.Context, limit int) ([]storage.Mailing, error)
}

// RecordManager owns the durable mailing records.
type RecordManager struct {
	store RecordStore
	now   func() time.Time
}

func NewRecordManager(store RecordStore) *RecordManager {
	return &RecordManager{store: store, now: time.Now}
}

// Create stores a record with zero counters and returns its id.
func (m *RecordManager) Create(ctx context.Context, t Type, src Source, recipients int) (int64, error) {
	return m.store.CreateMailing(ctx, storage.Mailing{
		Type:            string(t),
		CreatedAt:       m.now(),
		PostLink:        src.Link,
		FromChat:        src.Chat,
		MessageID:       src.MessageID,
		RecipientsCount: recipients,
	})
}

func (m *RecordManager) ApplyDelta(ctx context.Context, id int64, delivered, errs int) error {
	return m.store.ApplyMailingDelta(ctx, id, delivered, errs)
}

// Recent lists the latest records, newest first.
func (m *RecordManager) Recent(ctx context.Context, limit int) ([]storage.Mailing, error) {
	return m.store.RecentMailings(ctx, limit)
}
