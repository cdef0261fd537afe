// Package feed delivers full session-list snapshots to every live view of a
// user after each successful store write.
package feed

import (
	"context"

	"studiochat/pkg/domain"
)

// Snapshot is the complete session list of one user at a point in time.
type Snapshot struct {
	UserID   string           `json:"userId"`
	Sessions []domain.Session `json:"sessions"`
}

// Feed fans snapshots out to subscribers of the same user.
type Feed interface {
	Publish(ctx context.Context, userID string, sessions []domain.Session) error
	// Subscribe returns a channel of snapshots and a cancel func. The channel
	// is closed after cancel or when ctx ends.
	Subscribe(ctx context.Context, userID string) (<-chan Snapshot, func(), error)
}

const subscriberBuffer = 8

// offer delivers s without blocking. A slow subscriber loses older snapshots,
// never the newest one.
func offer(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
