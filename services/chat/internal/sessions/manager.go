// Package sessions owns each user's canonical session list. The list is kept
// in memory, mirrored to the backend through the outbox and replaced
// wholesale by change-feed snapshots, except for sessions this process still
// has unacknowledged writes or a running turn for.
package sessions

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"studiochat/internal/util"
	"studiochat/pkg/domain"
	"studiochat/pkg/feed"
	"studiochat/pkg/outbox"
	"studiochat/pkg/store"
)

// DefaultTitle names a session nobody has written in yet.
const DefaultTitle = "New Chat"

// Writer queues a backend write after the local copy changed.
type Writer interface {
	Enqueue(ctx context.Context, w outbox.Write) error
}

// MediaRemover deletes re-hosted media that belonged to a deleted session.
type MediaRemover interface {
	Remove(ctx context.Context, video domain.Video) error
}

type Config struct {
	Store  store.SessionStore
	Feed   feed.Feed
	Writes Writer

	// Optional.
	Media    MediaRemover
	Defaults domain.Settings
}

// View is the session list as the client renders it.
type View struct {
	ActiveID string           `json:"activeId"`
	Sessions []domain.Session `json:"sessions"`
}

type Manager struct {
	store    store.SessionStore
	feed     feed.Feed
	writes   Writer
	media    MediaRemover
	defaults domain.Settings
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	// writeMu orders backend writes the same way local changes were made.
	writeMu sync.Mutex

	mu          sync.Mutex
	sessions    []domain.Session
	activeID    string
	settings    domain.Settings
	busy        map[string]bool
	pending     map[string]int
	watchers    map[int]chan Event
	nextWatcher int
	lastUsed    time.Time
	stop        func()
}

func New(cfg Config) *Manager {
	defaults := cfg.Defaults
	if defaults.Model == "" {
		defaults = DefaultSettings()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    cfg.Store,
		feed:     cfg.Feed,
		writes:   cfg.Writes,
		media:    cfg.Media,
		defaults: defaults,
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
		users:    make(map[string]*userState),
	}
}

// Close ends every feed subscription.
func (m *Manager) Close() {
	m.cancel()
}

// Open loads the user's sessions and subscribes to their change feed. It is
// idempotent; later calls return the current view. A user with no sessions
// gets one empty session.
func (m *Manager) Open(ctx context.Context, userID string) (View, error) {
	if st, ok := m.lookup(userID); ok {
		return st.view(), nil
	}
	list, err := m.store.ListSessions(ctx, userID)
	if err != nil {
		return View{}, err
	}
	st := &userState{
		settings: m.defaults,
		busy:     make(map[string]bool),
		pending:  make(map[string]int),
		watchers: make(map[int]chan Event),
		lastUsed: m.now(),
	}
	var created *domain.Session
	if len(list) == 0 {
		s := m.newSession()
		list = []domain.Session{s}
		created = &s
	}
	sortSessions(list)
	st.sessions = list
	st.activeID = list[0].ID

	m.mu.Lock()
	if existing, ok := m.users[userID]; ok {
		m.mu.Unlock()
		return existing.view(), nil
	}
	m.users[userID] = st
	m.mu.Unlock()

	if created != nil {
		m.write(ctx, userID, st, func() []outbox.Write {
			return []outbox.Write{{UserID: userID, Op: outbox.OpUpsert, Session: created.Clone()}}
		})
	}

	snapshots, stop, err := m.feed.Subscribe(m.ctx, userID)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("session feed subscribe failed", "user_id", userID, "err", err)
	} else {
		st.mu.Lock()
		st.stop = stop
		st.mu.Unlock()
		go m.follow(userID, st, snapshots)
	}
	return st.view(), nil
}

func (m *Manager) follow(userID string, st *userState, snapshots <-chan feed.Snapshot) {
	for snap := range snapshots {
		m.applySnapshot(userID, st, snap.Sessions)
	}
}

// applySnapshot replaces the list with the backend's, keeping the local copy
// of any session with writes in flight or a turn running.
func (m *Manager) applySnapshot(userID string, st *userState, remote []domain.Session) {
	var synthesized *domain.Session
	st.mu.Lock()
	local := make(map[string]domain.Session, len(st.sessions))
	for _, s := range st.sessions {
		local[s.ID] = s
	}
	next := make([]domain.Session, 0, len(remote))
	seen := make(map[string]bool, len(remote))
	for _, s := range remote {
		seen[s.ID] = true
		if st.holdsLocal(s.ID) {
			if ls, ok := local[s.ID]; ok {
				next = append(next, ls)
			}
			continue
		}
		next = append(next, s)
	}
	for _, s := range st.sessions {
		if !seen[s.ID] && st.holdsLocal(s.ID) {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		s := m.newSession()
		next = append(next, s)
		synthesized = &s
	}
	sortSessions(next)
	st.sessions = next
	if st.index(st.activeID) < 0 {
		st.activeID = next[0].ID
	}
	st.broadcast(st.listEvent())
	st.mu.Unlock()

	if synthesized != nil {
		m.write(m.ctx, userID, st, func() []outbox.Write {
			return []outbox.Write{{UserID: userID, Op: outbox.OpUpsert, Session: synthesized.Clone()}}
		})
	}
}

// Ack settles one outbox result. Wire it as the outbox's OnResult.
func (m *Manager) Ack(res outbox.Result) {
	st, ok := m.lookup(res.Write.UserID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	id := res.Write.SessionID
	if st.pending[id] <= 1 {
		delete(st.pending, id)
		return
	}
	st.pending[id]--
}

func (m *Manager) List(userID string) (View, error) {
	st, err := m.state(userID)
	if err != nil {
		return View{}, err
	}
	return st.view(), nil
}

func (m *Manager) Get(userID, sessionID string) (domain.Session, error) {
	st, err := m.state(userID)
	if err != nil {
		return domain.Session{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	i := st.index(sessionID)
	if i < 0 {
		return domain.Session{}, ErrSessionNotFound
	}
	return st.sessions[i].Clone(), nil
}

func (m *Manager) Active(userID string) (domain.Session, error) {
	st, err := m.state(userID)
	if err != nil {
		return domain.Session{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[st.index(st.activeID)].Clone(), nil
}

// Select makes sessionID the active session. Selection is per process and
// never persisted.
func (m *Manager) Select(userID, sessionID string) (View, error) {
	st, err := m.state(userID)
	if err != nil {
		return View{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.index(sessionID) < 0 {
		return View{}, ErrSessionNotFound
	}
	st.activeID = sessionID
	ev := st.listEvent()
	st.broadcast(ev)
	return View{ActiveID: ev.ActiveID, Sessions: ev.Sessions}, nil
}

// Create adds an empty session and makes it active.
func (m *Manager) Create(ctx context.Context, userID string) (domain.Session, error) {
	st, err := m.state(userID)
	if err != nil {
		return domain.Session{}, err
	}
	s := m.newSession()
	m.write(ctx, userID, st, func() []outbox.Write {
		st.sessions = append(st.sessions, s)
		sortSessions(st.sessions)
		st.activeID = s.ID
		st.broadcast(st.listEvent())
		return []outbox.Write{{UserID: userID, Op: outbox.OpUpsert, Session: s.Clone()}}
	})
	return s.Clone(), nil
}

func (m *Manager) Rename(ctx context.Context, userID, sessionID, title string) (domain.Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Session{}, ErrInvalidTitle
	}
	st, err := m.state(userID)
	if err != nil {
		return domain.Session{}, err
	}
	var renamed domain.Session
	err = m.write(ctx, userID, st, func() []outbox.Write {
		i := st.index(sessionID)
		if i < 0 {
			return nil
		}
		now := m.now()
		st.sessions[i].Title = title
		st.sessions[i].UpdatedAt = now
		renamed = st.sessions[i].Clone()
		st.broadcast(st.listEvent())
		return []outbox.Write{{
			UserID:    userID,
			SessionID: sessionID,
			Op:        outbox.OpPatch,
			Patch:     domain.SessionPatch{Title: &title, UpdatedAt: now},
		}}
	})
	return renamed, err
}

// Delete removes a session. Deleting the active session activates the newest
// remaining one; deleting the last session replaces it with a fresh one.
func (m *Manager) Delete(ctx context.Context, userID, sessionID string) (View, error) {
	st, err := m.state(userID)
	if err != nil {
		return View{}, err
	}
	var removed domain.Session
	var view View
	err = m.write(ctx, userID, st, func() []outbox.Write {
		i := st.index(sessionID)
		if i < 0 {
			return nil
		}
		removed = st.sessions[i]
		st.sessions = slices.Delete(st.sessions, i, i+1)
		var writes []outbox.Write
		if len(st.sessions) == 0 {
			fresh := m.newSession()
			st.sessions = append(st.sessions, fresh)
			writes = append(writes, outbox.Write{UserID: userID, Op: outbox.OpUpsert, Session: fresh.Clone()})
		}
		if st.activeID == sessionID {
			st.activeID = st.sessions[0].ID
		}
		ev := st.listEvent()
		st.broadcast(ev)
		view = View{ActiveID: ev.ActiveID, Sessions: ev.Sessions}
		return append(writes, outbox.Write{UserID: userID, SessionID: sessionID, Op: outbox.OpDelete})
	})
	if err != nil {
		return View{}, err
	}
	m.removeMedia(ctx, removed)
	return view, nil
}

// Put replaces a session's messages locally and renders it without
// persisting. It is used for in-flight updates such as streamed fragments.
// The title is owned by Rename and is never taken from session.
func (m *Manager) Put(userID string, session domain.Session) error {
	st, err := m.state(userID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	i := st.index(session.ID)
	if i < 0 {
		return ErrSessionNotFound
	}
	st.replace(i, session)
	st.broadcast(st.sessionEvent(i))
	return nil
}

// Save is Put followed by persisting the stored session.
func (m *Manager) Save(ctx context.Context, userID string, session domain.Session) error {
	st, err := m.state(userID)
	if err != nil {
		return err
	}
	return m.write(ctx, userID, st, func() []outbox.Write {
		i := st.index(session.ID)
		if i < 0 {
			return nil
		}
		st.replace(i, session)
		st.broadcast(st.sessionEvent(i))
		return []outbox.Write{{UserID: userID, Op: outbox.OpUpsert, Session: st.sessions[i].Clone()}}
	})
}

// Begin takes the session's turn token. Only one turn runs per session; the
// returned func releases the token.
func (m *Manager) Begin(userID, sessionID string) (func(), error) {
	st, err := m.state(userID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.index(sessionID) < 0 {
		return nil, ErrSessionNotFound
	}
	if st.busy[sessionID] {
		return nil, ErrTurnInProgress
	}
	st.busy[sessionID] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			st.mu.Lock()
			delete(st.busy, sessionID)
			st.mu.Unlock()
		})
	}, nil
}

// Settings returns the user's generation settings, or the defaults for a
// user whose sessions are not open.
func (m *Manager) Settings(userID string) domain.Settings {
	st, ok := m.lookup(userID)
	if !ok {
		return m.defaults
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.settings
}

func (m *Manager) SetSettings(userID string, s domain.Settings) (domain.Settings, error) {
	st, err := m.state(userID)
	if err != nil {
		return domain.Settings{}, err
	}
	s, err = normalizeSettings(s, m.defaults)
	if err != nil {
		return domain.Settings{}, err
	}
	st.mu.Lock()
	st.settings = s
	st.mu.Unlock()
	return s, nil
}

// Watch streams render events for the user, starting with the current list.
func (m *Manager) Watch(userID string) (<-chan Event, func(), error) {
	st, err := m.state(userID)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan Event, watcherBuffer)
	st.mu.Lock()
	id := st.nextWatcher
	st.nextWatcher++
	st.watchers[id] = ch
	offer(ch, st.listEvent())
	st.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			st.mu.Lock()
			delete(st.watchers, id)
			st.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Notify sends an out-of-band event to the user's live views.
func (m *Manager) Notify(userID string, ev Event) {
	st, ok := m.lookup(userID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.broadcast(ev)
}

// Sweep drops users idle for longer than idle with nothing in flight and
// returns how many were dropped.
func (m *Manager) Sweep(idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	var stops []func()
	m.mu.Lock()
	for id, st := range m.users {
		st.mu.Lock()
		evict := st.lastUsed.Before(cutoff) && len(st.watchers) == 0 && len(st.busy) == 0 && len(st.pending) == 0
		if evict {
			if st.stop != nil {
				stops = append(stops, st.stop)
			}
			delete(m.users, id)
		}
		st.mu.Unlock()
	}
	m.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	return len(stops)
}

// RunJanitor sweeps idle users every interval until ctx ends.
func (m *Manager) RunJanitor(ctx context.Context, interval, idle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(idle); n > 0 {
				slog.Debug("evicted idle session views", "count", n)
			}
		}
	}
}

// write applies a local change and queues its backend writes in the same
// order. mutate runs under the state lock and returns nil writes when the
// target session does not exist.
func (m *Manager) write(ctx context.Context, userID string, st *userState, mutate func() []outbox.Write) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	st.mu.Lock()
	writes := mutate()
	if writes == nil {
		st.mu.Unlock()
		return ErrSessionNotFound
	}
	for i := range writes {
		if writes[i].SessionID == "" {
			writes[i].SessionID = writes[i].Session.ID
		}
		st.pending[writes[i].SessionID]++
	}
	st.lastUsed = m.now()
	st.mu.Unlock()

	for _, w := range writes {
		if err := m.writes.Enqueue(ctx, w); err != nil {
			util.LoggerFromContext(ctx).Error("session write not queued", "user_id", userID, "session_id", w.SessionID, "op", w.Op, "err", err)
			m.Ack(outbox.Result{Write: w, Err: err})
		}
	}
	return nil
}

func (m *Manager) removeMedia(ctx context.Context, s domain.Session) {
	if m.media == nil {
		return
	}
	for _, msg := range s.Messages {
		if msg.Video == nil {
			continue
		}
		if err := m.media.Remove(ctx, *msg.Video); err != nil {
			util.LoggerFromContext(ctx).Warn("media cleanup failed", "session_id", s.ID, "uri", msg.Video.URI, "err", err)
		}
	}
}

func (m *Manager) newSession() domain.Session {
	now := m.now()
	return domain.Session{
		ID:        util.NewID(),
		Title:     DefaultTitle,
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *Manager) lookup(userID string) (*userState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	return st, ok
}

func (m *Manager) state(userID string) (*userState, error) {
	st, ok := m.lookup(userID)
	if !ok {
		return nil, ErrNotOpened
	}
	st.mu.Lock()
	st.lastUsed = m.now()
	st.mu.Unlock()
	return st, nil
}

func (st *userState) holdsLocal(sessionID string) bool {
	return st.pending[sessionID] > 0 || st.busy[sessionID]
}

// replace swaps in session at i, keeping the stored title so a rename made
// while a turn runs survives the turn's writes.
func (st *userState) replace(i int, session domain.Session) {
	title := st.sessions[i].Title
	st.sessions[i] = session.Clone()
	st.sessions[i].Title = title
}

func (st *userState) index(sessionID string) int {
	for i, s := range st.sessions {
		if s.ID == sessionID {
			return i
		}
	}
	return -1
}

func (st *userState) view() View {
	st.mu.Lock()
	defer st.mu.Unlock()
	ev := st.listEvent()
	return View{ActiveID: ev.ActiveID, Sessions: ev.Sessions}
}

func (st *userState) listEvent() Event {
	out := make([]domain.Session, len(st.sessions))
	for i, s := range st.sessions {
		out[i] = s.Clone()
	}
	return Event{Type: EventSessions, ActiveID: st.activeID, Sessions: out}
}

func (st *userState) sessionEvent(i int) Event {
	s := st.sessions[i].Clone()
	return Event{Type: EventSession, ActiveID: st.activeID, Session: &s}
}

// broadcast is called with st.mu held. A watcher whose buffer is full is
// resynced from current state instead of losing events.
func (st *userState) broadcast(ev Event) {
	for _, ch := range st.watchers {
		if !offer(ch, ev) {
			resync(ch, st.listEvent(), ev)
		}
	}
}

// sortSessions orders newest first.
func sortSessions(sessions []domain.Session) {
	slices.SortStableFunc(sessions, func(a, b domain.Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
