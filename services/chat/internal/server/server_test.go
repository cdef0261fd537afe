package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"studiochat/pkg/ai"
	"studiochat/pkg/domain"
	"studiochat/pkg/feed"
	"studiochat/pkg/outbox"
	"studiochat/pkg/store"
	"studiochat/services/chat/internal/conversation"
	"studiochat/services/chat/internal/sessions"
)

type nopWriter struct{}

func (nopWriter) Enqueue(context.Context, outbox.Write) error { return nil }

type stubGateway struct{}

func (stubGateway) StreamText(context.Context, ai.TextRequest) iter.Seq2[ai.TextChunk, error] {
	return func(yield func(ai.TextChunk, error) bool) {
		if !yield(ai.TextChunk{Text: "hi "}, nil) {
			return
		}
		yield(ai.TextChunk{Text: "there"}, nil)
	}
}

func (stubGateway) GenerateImage(context.Context, ai.ImageRequest) ([]domain.Image, error) {
	return nil, ai.ErrNotConfigured
}

func (stubGateway) StartVideo(context.Context, ai.VideoRequest) (ai.VideoJob, error) {
	return ai.VideoJob{}, ai.ErrNotConfigured
}

func (stubGateway) PollVideo(_ context.Context, job ai.VideoJob) (ai.VideoJob, error) {
	return job, ai.ErrNotConfigured
}

func (stubGateway) SynthesizeSpeech(context.Context, string, string) (domain.Audio, error) {
	return domain.Audio{MIMEType: "audio/wav", Data: []byte("RIFF....WAVE")}, nil
}

func (stubGateway) Transcribe(context.Context, domain.Audio) (string, error) {
	return "", errors.New("Error 429: RESOURCE_EXHAUSTED")
}

type stubLinker struct{}

func (stubLinker) Link(_ context.Context, key string) (string, error) {
	return "https://objects.test/" + key + "?sig=1", nil
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	mgr     *sessions.Manager
	token   string
}

func newTestEnv(t *testing.T, media MediaLinker) *testEnv {
	t.Helper()
	tokens, err := store.NewJWTTokenStore("0123456789abcdef0123456789abcdef", time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("token store: %v", err)
	}
	token, err := tokens.NewToken("u1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	mgr := sessions.New(sessions.Config{Store: store.NewMemoryStore(), Feed: feed.NewHub(), Writes: nopWriter{}})
	t.Cleanup(mgr.Close)
	turns, err := conversation.New(conversation.Config{Gateway: stubGateway{}, Sessions: mgr})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	srv := New(Config{Tokens: tokens, Sessions: mgr, Turns: turns, Media: media})
	return &testEnv{srv: srv, handler: srv.Router(), mgr: mgr, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+e.token)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) view(t *testing.T) sessions.View {
	t.Helper()
	rec := e.do(t, http.MethodGet, "/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d: %s", rec.Code, rec.Body.String())
	}
	var view sessions.View
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return view
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) domain.Session {
	t.Helper()
	var s domain.Session
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return s
}

func TestRequiresBearerToken(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}
}

func TestFirstListHasOneEmptySession(t *testing.T) {
	env := newTestEnv(t, nil)
	view := env.view(t)
	if len(view.Sessions) != 1 || view.ActiveID != view.Sessions[0].ID {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.Sessions[0].Title != sessions.DefaultTitle {
		t.Fatalf("unexpected title %q", view.Sessions[0].Title)
	}
}

func TestTurnWaitReturnsSettledSession(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.view(t).ActiveID

	rec := env.do(t, http.MethodPost, "/sessions/"+id+"/turns?wait=true", `{"text":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn status %d: %s", rec.Code, rec.Body.String())
	}
	s := decodeSession(t, rec)
	if len(s.Messages) != 2 || s.Messages[1].Content != "hi there" || s.Messages[1].Pending() {
		t.Fatalf("unexpected session: %+v", s.Messages)
	}
	if s.Title != "hello" {
		t.Fatalf("title not derived: %q", s.Title)
	}
}

func TestAsyncTurnAnswersWithPlaceholder(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.view(t).ActiveID

	rec := env.do(t, http.MethodPost, "/sessions/"+id+"/turns", `{"text":"hello"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("turn status %d: %s", rec.Code, rec.Body.String())
	}
	placeholder := decodeSession(t, rec)
	if last := placeholder.Messages[len(placeholder.Messages)-1]; !last.Loading {
		t.Fatalf("expected loading placeholder: %+v", last)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.srv.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	s := env.view(t).Sessions[0]
	if got := s.Messages[len(s.Messages)-1].Content; got != "hi there" {
		t.Fatalf("answer not settled: %q", got)
	}
}

func TestTurnOnBusySessionConflicts(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.view(t).ActiveID
	release, err := env.mgr.Begin("u1", id)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer release()

	rec := env.do(t, http.MethodPost, "/sessions/"+id+"/turns", `{"text":"hello"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestSessionRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.view(t).ActiveID

	rec := env.do(t, http.MethodPost, "/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d", rec.Code)
	}
	created := decodeSession(t, rec)

	rec = env.do(t, http.MethodPatch, "/sessions/"+created.ID, `{"title":"Trip plans"}`)
	if rec.Code != http.StatusOK || decodeSession(t, rec).Title != "Trip plans" {
		t.Fatalf("rename failed: %d", rec.Code)
	}
	if rec = env.do(t, http.MethodPatch, "/sessions/"+created.ID, `{"title":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank title, got %d", rec.Code)
	}

	if rec = env.do(t, http.MethodPost, "/sessions/"+first+"/select", ""); rec.Code != http.StatusOK {
		t.Fatalf("select status %d", rec.Code)
	}
	if env.view(t).ActiveID != first {
		t.Fatalf("selection not applied")
	}

	if rec = env.do(t, http.MethodDelete, "/sessions/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec = env.do(t, http.MethodDelete, "/sessions/"+created.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status %d", rec.Code)
	}
	if n := len(env.view(t).Sessions); n != 1 {
		t.Fatalf("expected 1 session after delete, got %d", n)
	}
}

func TestSettingsRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPut, "/settings", `{"model":"gemini-2.5-pro","temperature":3}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for temperature, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPut, "/settings", `{"model":"gemini-2.5-pro","temperature":0.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/settings", "")
	var got domain.Settings
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Model != "gemini-2.5-pro" || got.Voice == "" {
		t.Fatalf("unexpected settings: %+v", got)
	}
}

func TestSpeechAndTranscription(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.view(t).ActiveID
	s := decodeSession(t, env.do(t, http.MethodPost, "/sessions/"+id+"/turns?wait=true", `{"text":"hello"}`))

	rec := env.do(t, http.MethodPost, "/sessions/"+id+"/messages/"+s.Messages[1].ID+"/speech", "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "audio/wav" {
		t.Fatalf("speech status %d type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	rec = env.do(t, http.MethodPost, "/sessions/"+id+"/messages/"+s.Messages[0].ID+"/speech", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for user message, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/transcriptions", `{"mimeType":"audio/webm","data":"AQID"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != ai.MessageRateLimited {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestMediaRedirect(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/media/videos/u1/a.mp4", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without media store, got %d", rec.Code)
	}

	env = newTestEnv(t, stubLinker{})
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/videos/u1/a.mp4", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://objects.test/videos/u1/a.mp4?sig=1" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestEventsStreamStartsWithSessionList(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?access_token="+env.token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "event: "+string(sessions.EventSessions) {
		t.Fatalf("unexpected first line %q", line)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev sessions.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if len(ev.Sessions) != 1 {
		t.Fatalf("expected one session in first event, got %d", len(ev.Sessions))
	}
}
