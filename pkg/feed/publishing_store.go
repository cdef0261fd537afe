package feed

import (
	"context"

	"studiochat/internal/util"
	"studiochat/pkg/domain"
	"studiochat/pkg/store"
)

// PublishingStore wraps a SessionStore and publishes the user's full list
// after every successful write. Publish failures are logged; the write
// itself already landed.
type PublishingStore struct {
	store.SessionStore
	feed Feed
}

func NewPublishingStore(s store.SessionStore, f Feed) *PublishingStore {
	return &PublishingStore{SessionStore: s, feed: f}
}

func (p *PublishingStore) UpsertSession(ctx context.Context, userID string, session domain.Session) error {
	if err := p.SessionStore.UpsertSession(ctx, userID, session); err != nil {
		return err
	}
	p.publish(ctx, userID)
	return nil
}

func (p *PublishingStore) UpdateSessionFields(ctx context.Context, userID, sessionID string, patch domain.SessionPatch) error {
	if err := p.SessionStore.UpdateSessionFields(ctx, userID, sessionID, patch); err != nil {
		return err
	}
	p.publish(ctx, userID)
	return nil
}

func (p *PublishingStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	if err := p.SessionStore.DeleteSession(ctx, userID, sessionID); err != nil {
		return err
	}
	p.publish(ctx, userID)
	return nil
}

func (p *PublishingStore) publish(ctx context.Context, userID string) {
	logger := util.LoggerFromContext(ctx)
	sessions, err := p.SessionStore.ListSessions(ctx, userID)
	if err != nil {
		logger.Warn("feed snapshot read failed", "user_id", userID, "err", err)
		return
	}
	if err := p.feed.Publish(ctx, userID, sessions); err != nil {
		logger.Warn("feed publish failed", "user_id", userID, "err", err)
	}
}
