package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"studiochat/pkg/domain"
)

const channelPrefix = "studiochat:feed:"

// RedisFeed carries snapshots over Redis Pub/Sub so several chat instances
// see each other's writes.
type RedisFeed struct {
	client *redis.Client
}

// NewRedisFeed builds a Pub/Sub feed.
func NewRedisFeed(addr, password string) *RedisFeed {
	return &RedisFeed{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}

func (f *RedisFeed) Publish(ctx context.Context, userID string, sessions []domain.Session) error {
	payload, err := json.Marshal(Snapshot{UserID: userID, Sessions: sessions})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return f.client.Publish(ctx, channelPrefix+userID, payload).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context, userID string) (<-chan Snapshot, func(), error) {
	pubsub := f.client.Subscribe(ctx, channelPrefix+userID)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe feed: %w", err)
	}

	out := make(chan Snapshot, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var snap Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					slog.Warn("feed snapshot decode failed", "user_id", userID, "err", err)
					continue
				}
				offer(out, snap)
			}
		}
	}()
	return out, cancel, nil
}
