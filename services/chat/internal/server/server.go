package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"studiochat/internal/metrics"
	"studiochat/internal/util"
	"studiochat/pkg/ai"
	"studiochat/pkg/domain"
	"studiochat/pkg/storage"
	"studiochat/services/chat/internal/conversation"
	"studiochat/services/chat/internal/sessions"
)

const (
	maxJSONBody      = 1 << 20
	maxTurnBody      = 20 << 20
	eventsHeartbeat  = 25 * time.Second
	speechFileHeader = "inline; filename=\"speech.wav\""
)

// TokenVerifier resolves a bearer token issued by the auth service.
type TokenVerifier interface {
	GetUserIDByToken(token string) (string, bool, error)
}

// MediaLinker presigns re-hosted media references.
type MediaLinker interface {
	Link(ctx context.Context, key string) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Tokens   TokenVerifier
	Sessions *sessions.Manager
	Turns    *conversation.Controller

	// Optional.
	Media       MediaLinker
	CORSOrigins []string
	// BaseContext bounds turns that outlive their request. Defaults to
	// context.Background.
	BaseContext context.Context
}

// Server exposes HTTP endpoints for the chat service.
type Server struct {
	tokens      TokenVerifier
	sessions    *sessions.Manager
	turns       *conversation.Controller
	media       MediaLinker
	mux         *http.ServeMux
	corsOrigins []string
	baseCtx     context.Context
	inflight    sync.WaitGroup
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	base := cfg.BaseContext
	if base == nil {
		base = context.Background()
	}
	s := &Server{
		tokens:      cfg.Tokens,
		sessions:    cfg.Sessions,
		turns:       cfg.Turns,
		media:       cfg.Media,
		mux:         http.NewServeMux(),
		corsOrigins: cfg.CORSOrigins,
		baseCtx:     base,
	}
	s.routes()
	return s
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithRequestLog("chat", h)
	h = util.WithSecurityHeaders(h)
	h = util.WithCORS(s.corsOrigins, h)
	return util.WithRequestID(h)
}

// Drain waits for turns started in the background to settle.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET "+storage.MediaPathPrefix+"{key...}", s.handleMedia)

	s.mux.Handle("GET /sessions", s.authed(s.handleListSessions))
	s.mux.Handle("POST /sessions", s.authed(s.handleCreateSession))
	s.mux.Handle("PATCH /sessions/{id}", s.authed(s.handleRenameSession))
	s.mux.Handle("DELETE /sessions/{id}", s.authed(s.handleDeleteSession))
	s.mux.Handle("POST /sessions/{id}/select", s.authed(s.handleSelectSession))
	s.mux.Handle("POST /sessions/{id}/turns", s.authed(s.handleTurn))
	s.mux.Handle("POST /sessions/{id}/messages/{mid}/edit", s.authed(s.handleEdit))
	s.mux.Handle("POST /sessions/{id}/messages/{mid}/speech", s.authed(s.handleSpeech))
	s.mux.Handle("POST /transcriptions", s.authed(s.handleTranscription))
	s.mux.Handle("GET /settings", s.authed(s.handleGetSettings))
	s.mux.Handle("PUT /settings", s.authed(s.handlePutSettings))
	s.mux.Handle("GET /events", s.authed(s.handleEvents))
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// authed resolves the bearer token and makes sure the user's sessions are
// loaded before the handler runs.
func (s *Server) authed(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, ok, err := s.tokens.GetUserIDByToken(token)
		if err != nil || !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := s.sessions.Open(r.Context(), userID); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		logger := util.LoggerFromContext(r.Context()).With("user_id", userID)
		next(w, r.WithContext(util.ContextWithLogger(r.Context(), logger)), userID)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMedia redirects to a presigned URL. The key is unguessable, so the
// route needs no bearer token and works from <video src>.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	link, err := s.media.Link(r.Context(), r.PathValue("key"))
	if err != nil {
		if errors.Is(err, storage.ErrInvalidMediaKey) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		util.LoggerFromContext(r.Context()).Error("media link failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.Redirect(w, r, link, http.StatusFound)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, userID string) {
	view, err := s.sessions.List(userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, userID string) {
	session, err := s.sessions.Create(r.Context(), userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request, userID string) {
	var req renameRequest
	if !decodeJSON(w, r, &req, maxJSONBody) {
		return
	}
	session, err := s.sessions.Rename(r.Context(), userID, r.PathValue("id"), req.Title)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, userID string) {
	view, err := s.sessions.Delete(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSelectSession(w http.ResponseWriter, r *http.Request, userID string) {
	view, err := s.sessions.Select(userID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleTurn starts a turn and answers 202 with the placeholder in place;
// progress arrives on /events. ?wait=true blocks until the turn settles.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request, userID string) {
	var in conversation.TurnInput
	if !decodeJSON(w, r, &in, maxTurnBody) {
		return
	}
	sessionID := r.PathValue("id")
	if wantsWait(r) {
		session, err := s.turns.SendTurn(r.Context(), userID, sessionID, in)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
		return
	}
	turn, err := s.turns.BeginTurn(r.Context(), userID, sessionID, in)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	placeholder := turn.Session()
	s.runInBackground(r, turn)
	writeJSON(w, http.StatusAccepted, placeholder)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request, userID string) {
	var req editRequest
	if !decodeJSON(w, r, &req, maxJSONBody) {
		return
	}
	sessionID, messageID := r.PathValue("id"), r.PathValue("mid")
	if wantsWait(r) {
		session, err := s.turns.EditTurn(r.Context(), userID, sessionID, messageID, req.Text)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, session)
		return
	}
	turn, err := s.turns.BeginEdit(r.Context(), userID, sessionID, messageID, req.Text)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	placeholder := turn.Session()
	s.runInBackground(r, turn)
	writeJSON(w, http.StatusAccepted, placeholder)
}

// runInBackground detaches the turn from the request so closing the tab does
// not abandon it, keeping the request's logger.
func (s *Server) runInBackground(r *http.Request, turn *conversation.Turn) {
	ctx := util.ContextWithLogger(s.baseCtx, util.LoggerFromContext(r.Context()))
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		turn.Run(ctx)
	}()
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request, userID string) {
	audio, err := s.turns.Speak(r.Context(), userID, r.PathValue("id"), r.PathValue("mid"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", audio.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(audio.Data)))
	w.Header().Set("Content-Disposition", speechFileHeader)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio.Data)
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request, userID string) {
	var audio domain.Audio
	if !decodeJSON(w, r, &audio, maxTurnBody) {
		return
	}
	text, err := s.turns.Transcribe(r.Context(), userID, audio)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request, userID string) {
	writeJSON(w, http.StatusOK, s.sessions.Settings(userID))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request, userID string) {
	var req domain.Settings
	if !decodeJSON(w, r, &req, maxJSONBody) {
		return
	}
	settings, err := s.sessions.SetSettings(userID, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleEvents streams render events as server-sent events until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, userID string) {
	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("clear write deadline failed", "err", err)
	}
	events, cancel, err := s.sessions.Watch(userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	defer cancel()
	defer metrics.StreamOpened()()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		util.LoggerFromContext(r.Context()).Warn("event stream not flushable", "err", err)
		return
	}

	heartbeat := time.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w io.Writer, ev sessions.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "event: "+string(ev.Type)+"\ndata: "+string(data)+"\n\n")
	return err
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var gatewayErr *conversation.GatewayError
	switch {
	case errors.As(err, &gatewayErr):
		writeError(w, http.StatusBadGateway, ai.UserMessage(gatewayErr.Err))
	case errors.Is(err, sessions.ErrSessionNotFound), errors.Is(err, conversation.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sessions.ErrTurnInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conversation.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, sessions.ErrInvalidSettings),
		errors.Is(err, sessions.ErrInvalidTitle),
		errors.Is(err, conversation.ErrEmptyTurn),
		errors.Is(err, conversation.ErrNotUserMessage),
		errors.Is(err, conversation.ErrNotModelMessage),
		errors.Is(err, conversation.ErrNothingToSpeak),
		errors.Is(err, conversation.ErrEmptyAudio):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("chat request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type renameRequest struct {
	Title string `json:"title"`
}

type editRequest struct {
	Text string `json:"text"`
}

func wantsWait(r *http.Request) bool {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return wait
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, limit int64) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, limit)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// bearerToken reads the Authorization header. The event stream also accepts
// ?access_token= because EventSource cannot set headers.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && r.URL.Path == "/events" {
		if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
			return token, true
		}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		slog.Debug("missing bearer prefix", "path", r.URL.Path)
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
