package feed

import (
	"context"
	"sync"

	"studiochat/pkg/domain"
)

// Hub is the in-process feed used when a single chat instance runs.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Snapshot]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Snapshot]struct{})}
}

func (h *Hub) Publish(_ context.Context, userID string, sessions []domain.Session) error {
	snap := Snapshot{UserID: userID, Sessions: cloneSessions(sessions)}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[userID] {
		offer(ch, snap)
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, userID string) (<-chan Snapshot, func(), error) {
	ch := make(chan Snapshot, subscriberBuffer)
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Snapshot]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

func cloneSessions(sessions []domain.Session) []domain.Session {
	out := make([]domain.Session, len(sessions))
	for i, s := range sessions {
		out[i] = s.Clone()
	}
	return out
}
