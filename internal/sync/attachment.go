package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/gmarchive/internal/mailbox"
	"github.com/matheus3301/gmarchive/internal/store"
)

// FetchAttachment returns an attachment with its content, downloading and
// storing it first when the sync only recorded a remote reference.
func FetchAttachment(ctx context.Context, db *store.DB, client mailbox.Client, id int64) (*store.Attachment, error) {
	a, err := db.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("attachment %d: %w", id, mailbox.ErrNotFound)
	}
	if a.Fetched {
		return a, nil
	}
	if a.RemoteRef == "" {
		return nil, fmt.Errorf("attachment %d has neither content nor a remote reference", id)
	}

	data, err := client.FetchAttachment(ctx, a.MessageID, a.RemoteRef)
	if err != nil {
		return nil, fmt.Errorf("fetch attachment %d: %w", id, err)
	}
	if err := db.StoreAttachmentContent(ctx, id, data); err != nil {
		return nil, err
	}
	a.Content = data
	a.Size = int64(len(data))
	a.Fetched = true
	return a, nil
}
