package sessions

import "studiochat/pkg/domain"

type EventType string

const (
	// EventSessions carries the whole list, sent after anything that changes
	// membership, order, titles or the active selection.
	EventSessions EventType = "sessions"
	// EventSession carries one session, sent for in-flight render updates.
	EventSession EventType = "session"
	// EventCredentialsRequired asks the client to pick another API key.
	EventCredentialsRequired EventType = "credentials_required"
)

// Event is one render update for a user's live views.
type Event struct {
	Type     EventType        `json:"type"`
	ActiveID string           `json:"activeId,omitempty"`
	Sessions []domain.Session `json:"sessions,omitempty"`
	Session  *domain.Session  `json:"session,omitempty"`
}

const watcherBuffer = 16

// offer delivers ev without blocking and reports whether it fit.
func offer(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// resync replaces the render events queued for a slow watcher with one list
// event built from current state. A list event carries every session in
// full, so it supersedes any session events dropped with it. Out-of-band
// events such as EventCredentialsRequired are kept, and pending is queued
// after the list.
func resync(ch chan Event, list Event, pending Event) {
	var kept []Event
	for drained := false; !drained; {
		select {
		case ev := <-ch:
			if !ev.render() {
				kept = append(kept, ev)
			}
		default:
			drained = true
		}
	}
	offer(ch, list)
	if !pending.render() {
		kept = append(kept, pending)
	}
	if n := watcherBuffer - 1; len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	for _, ev := range kept {
		offer(ch, ev)
	}
}

func (ev Event) render() bool {
	return ev.Type == EventSessions || ev.Type == EventSession
}
