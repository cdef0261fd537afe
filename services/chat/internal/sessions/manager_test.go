package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"studiochat/pkg/domain"
	"studiochat/pkg/feed"
	"studiochat/pkg/outbox"
	"studiochat/pkg/store"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes []outbox.Write
}

func (w *recordingWriter) Enqueue(_ context.Context, write outbox.Write) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, write)
	return nil
}

func (w *recordingWriter) ops() []outbox.Op {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]outbox.Op, len(w.writes))
	for i, write := range w.writes {
		out[i] = write.Op
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestManager(t *testing.T, s store.SessionStore) (*Manager, *recordingWriter) {
	t.Helper()
	w := &recordingWriter{}
	m := New(Config{Store: s, Feed: feed.NewHub(), Writes: w})
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.now = clock.Now
	t.Cleanup(m.Close)
	return m, w
}

func TestOpenSynthesizesEmptySession(t *testing.T) {
	m, w := newTestManager(t, store.NewMemoryStore())
	view, err := m.Open(context.Background(), "u1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(view.Sessions) != 1 || view.Sessions[0].Title != DefaultTitle {
		t.Fatalf("expected one default session, got %+v", view.Sessions)
	}
	if view.ActiveID != view.Sessions[0].ID {
		t.Fatalf("synthesized session should be active")
	}
	if ops := w.ops(); len(ops) != 1 || ops[0] != outbox.OpUpsert {
		t.Fatalf("expected one upsert, got %v", ops)
	}

	again, err := m.Open(context.Background(), "u1")
	if err != nil || len(again.Sessions) != 1 {
		t.Fatalf("second open should be idempotent: %+v %v", again, err)
	}
}

func TestOpenLoadsStoredSessionsNewestFirst(t *testing.T) {
	mem := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "new"} {
		s := domain.Session{ID: id, Title: id, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := mem.UpsertSession(ctx, "u1", s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	m, w := newTestManager(t, mem)
	view, err := m.Open(ctx, "u1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(view.Sessions) != 2 || view.Sessions[0].ID != "new" || view.ActiveID != "new" {
		t.Fatalf("unexpected view: %+v", view)
	}
	if len(w.ops()) != 0 {
		t.Fatalf("loading existing sessions should not write")
	}
}

func TestDeleteActivatesNewestRemaining(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()
	first, _ := m.Open(ctx, "u1")
	second, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	third, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Select("u1", first.ActiveID); err != nil {
		t.Fatalf("select: %v", err)
	}

	view, err := m.Delete(ctx, "u1", first.ActiveID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if view.ActiveID != third.ID {
		t.Fatalf("expected newest remaining %q active, got %q", third.ID, view.ActiveID)
	}

	view, err = m.Delete(ctx, "u1", second.ID)
	if err != nil {
		t.Fatalf("delete inactive: %v", err)
	}
	if view.ActiveID != third.ID || len(view.Sessions) != 1 {
		t.Fatalf("deleting an inactive session should keep the selection: %+v", view)
	}
}

func TestDeleteLastSessionCreatesFreshOne(t *testing.T) {
	m, w := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()
	opened, _ := m.Open(ctx, "u1")

	view, err := m.Delete(ctx, "u1", opened.ActiveID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(view.Sessions) != 1 {
		t.Fatalf("expected exactly one fresh session, got %d", len(view.Sessions))
	}
	fresh := view.Sessions[0]
	if fresh.ID == opened.ActiveID || view.ActiveID != fresh.ID || len(fresh.Messages) != 0 {
		t.Fatalf("unexpected fresh session: %+v", view)
	}
	ops := w.ops()
	want := []outbox.Op{outbox.OpUpsert, outbox.OpUpsert, outbox.OpDelete}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
}

func TestRenameAndMissingSession(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()
	opened, _ := m.Open(ctx, "u1")

	renamed, err := m.Rename(ctx, "u1", opened.ActiveID, "  Trip plans ")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Title != "Trip plans" {
		t.Fatalf("title = %q", renamed.Title)
	}
	if _, err := m.Rename(ctx, "u1", opened.ActiveID, " "); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected ErrInvalidTitle, got %v", err)
	}
	if _, err := m.Rename(ctx, "u1", "missing", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := m.Get("u2", "x"); !errors.Is(err, ErrNotOpened) {
		t.Fatalf("expected ErrNotOpened, got %v", err)
	}
}

func TestBeginSerializesTurns(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	opened, _ := m.Open(context.Background(), "u1")

	release, err := m.Begin("u1", opened.ActiveID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := m.Begin("u1", opened.ActiveID); !errors.Is(err, ErrTurnInProgress) {
		t.Fatalf("expected ErrTurnInProgress, got %v", err)
	}
	release()
	release()
	again, err := m.Begin("u1", opened.ActiveID)
	if err != nil {
		t.Fatalf("begin after release: %v", err)
	}
	again()
}

func TestSnapshotReplacesListWholesale(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()
	m.Open(ctx, "u1")
	st, _ := m.lookup("u1")
	st.mu.Lock()
	st.pending = map[string]int{}
	st.mu.Unlock()

	remote := []domain.Session{
		{ID: "r1", Title: "Remote one", CreatedAt: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "r2", Title: "Remote two", CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	m.applySnapshot("u1", st, remote)

	view, _ := m.List("u1")
	if len(view.Sessions) != 2 || view.Sessions[0].ID != "r2" || view.ActiveID != "r2" {
		t.Fatalf("unexpected view after snapshot: %+v", view)
	}
}

func TestSnapshotKeepsSessionsWithPendingWrites(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()
	m.Open(ctx, "u1")
	created, err := m.Create(ctx, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st, _ := m.lookup("u1")

	// A snapshot from before the create's write landed.
	m.applySnapshot("u1", st, []domain.Session{{ID: "other", Title: "Other", CreatedAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}})
	view, _ := m.List("u1")
	if view.ActiveID != created.ID {
		t.Fatalf("pending session lost its selection: %+v", view)
	}

	for _, s := range view.Sessions {
		m.Ack(outbox.Result{Write: outbox.Write{UserID: "u1", SessionID: s.ID}})
	}
	m.applySnapshot("u1", st, []domain.Session{{ID: "other", Title: "Other"}})
	view, _ = m.List("u1")
	if len(view.Sessions) != 1 || view.ActiveID != "other" {
		t.Fatalf("acknowledged sessions should follow the feed: %+v", view)
	}
}

func TestEmptySnapshotSynthesizesSession(t *testing.T) {
	m, w := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()
	opened, _ := m.Open(ctx, "u1")
	m.Ack(outbox.Result{Write: outbox.Write{UserID: "u1", SessionID: opened.ActiveID}})
	st, _ := m.lookup("u1")

	m.applySnapshot("u1", st, nil)
	view, _ := m.List("u1")
	if len(view.Sessions) != 1 || view.Sessions[0].ID == opened.ActiveID {
		t.Fatalf("expected a synthesized replacement, got %+v", view)
	}
	if got := len(w.ops()); got != 2 {
		t.Fatalf("expected the replacement to be persisted, got %d writes", got)
	}
}

func TestWatchReceivesRenderUpdates(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()
	opened, _ := m.Open(ctx, "u1")
	events, cancel, err := m.Watch("u1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	if ev := <-events; ev.Type != EventSessions || len(ev.Sessions) != 1 {
		t.Fatalf("first event should be the list, got %+v", ev)
	}
	s, _ := m.Get("u1", opened.ActiveID)
	s.Messages = append(s.Messages, domain.Message{ID: "m1", Role: domain.RoleModel, Content: "partial", Loading: true})
	if err := m.Put("u1", s); err != nil {
		t.Fatalf("put: %v", err)
	}
	ev := <-events
	if ev.Type != EventSession || ev.Session == nil || ev.Session.Messages[0].Content != "partial" {
		t.Fatalf("unexpected render event: %+v", ev)
	}
}

func TestPutAndSaveKeepStoredTitle(t *testing.T) {
	m, w := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()
	opened, _ := m.Open(ctx, "u1")
	stale, _ := m.Get("u1", opened.ActiveID)

	if _, err := m.Rename(ctx, "u1", opened.ActiveID, "Renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	stale.Messages = append(stale.Messages, domain.Message{ID: "m1", Role: domain.RoleUser, Content: "hi"})
	if err := m.Put("u1", stale); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m.Save(ctx, "u1", stale); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, _ := m.Get("u1", opened.ActiveID)
	if got.Title != "Renamed" || len(got.Messages) != 1 {
		t.Fatalf("stored session = %+v", got)
	}
	w.mu.Lock()
	last := w.writes[len(w.writes)-1]
	w.mu.Unlock()
	if last.Op != outbox.OpUpsert || last.Session.Title != "Renamed" {
		t.Fatalf("persisted write lost the rename: %+v", last)
	}
}

func TestSlowWatcherIsResynced(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()
	opened, _ := m.Open(ctx, "u1")
	keep := opened.ActiveID
	events, cancel, err := m.Watch("u1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()
	<-events

	extra, _ := m.Create(ctx, "u1")
	if _, err := m.Delete(ctx, "u1", extra.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	m.Notify("u1", Event{Type: EventCredentialsRequired})
	s, _ := m.Get("u1", keep)
	for i := 0; i < 2*watcherBuffer; i++ {
		s.Messages = append(s.Messages, domain.Message{ID: "m", Role: domain.RoleModel, Content: "x"})
		if err := m.Put("u1", s); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	var queued []Event
	for drained := false; !drained; {
		select {
		case ev := <-events:
			queued = append(queued, ev)
		default:
			drained = true
		}
	}
	var list *Event
	credentials := false
	for i := range queued {
		switch queued[i].Type {
		case EventSessions:
			list = &queued[i]
		case EventCredentialsRequired:
			credentials = true
		}
	}
	if list == nil {
		t.Fatalf("no list event survived overflow: %d queued", len(queued))
	}
	if len(list.Sessions) != 1 || list.Sessions[0].ID != keep || list.ActiveID != keep {
		t.Fatalf("list event is stale: %+v", list)
	}
	if !credentials {
		t.Fatalf("out-of-band event dropped on overflow")
	}
	last := queued[len(queued)-1]
	if last.Type != EventSession || len(last.Session.Messages) != 2*watcherBuffer {
		t.Fatalf("latest render missing: %+v", last.Type)
	}
}

func TestSettingsValidation(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	if got := m.Settings("nobody"); got.Model != DefaultSettings().Model {
		t.Fatalf("unopened user should get defaults, got %+v", got)
	}
	m.Open(context.Background(), "u1")
	if _, err := m.SetSettings("u1", domain.Settings{Model: "gemini-2.5-pro", Temperature: 3}); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}
	saved, err := m.SetSettings("u1", domain.Settings{Model: "gemini-2.5-pro", Temperature: 0.4, UseSearch: true})
	if err != nil {
		t.Fatalf("set settings: %v", err)
	}
	if saved.Voice == "" || !m.Settings("u1").UseSearch {
		t.Fatalf("settings not stored with defaults filled: %+v", saved)
	}
}

func TestSweepEvictsIdleUsers(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	opened, _ := m.Open(context.Background(), "u1")
	m.Ack(outbox.Result{Write: outbox.Write{UserID: "u1", SessionID: opened.ActiveID}})

	if n := m.Sweep(time.Hour); n != 0 {
		t.Fatalf("recent user evicted")
	}
	if n := m.Sweep(0); n != 1 {
		t.Fatalf("idle user not evicted, got %d", n)
	}
	if _, err := m.List("u1"); !errors.Is(err, ErrNotOpened) {
		t.Fatalf("expected ErrNotOpened after eviction, got %v", err)
	}
}

func TestOpenPersistsThroughOutbox(t *testing.T) {
	mem := store.NewMemoryStore()
	hub := feed.NewHub()
	published := feed.NewPublishingStore(mem, hub)
	var m *Manager
	ob := outbox.New(published, outbox.Config{OnResult: func(r outbox.Result) { m.Ack(r) }})
	m = New(Config{Store: mem, Feed: hub, Writes: ob})
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = ob.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	view, err := m.Open(ctx, "u1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	flushCtx, flushCancel := context.WithTimeout(ctx, 2*time.Second)
	defer flushCancel()
	if err := ob.Flush(flushCtx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	stored, err := mem.ListSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != view.ActiveID {
		t.Fatalf("synthesized session not persisted: %+v", stored)
	}
}
