// Package conversation turns one user action into at most one gateway call
// and reconciles its output into the session: streamed, polled or single
// shot.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"studiochat/internal/metrics"
	"studiochat/internal/ratelimit"
	"studiochat/internal/util"
	"studiochat/pkg/ai"
	"studiochat/pkg/domain"
)

const (
	defaultVideoPollInterval = 5 * time.Second
	videoStatusPending       = "Generating video…"
)

// Sessions is the part of the session manager a turn needs.
type Sessions interface {
	Get(userID, sessionID string) (domain.Session, error)
	Put(userID string, session domain.Session) error
	Save(ctx context.Context, userID string, session domain.Session) error
	Rename(ctx context.Context, userID, sessionID, title string) (domain.Session, error)
	Begin(userID, sessionID string) (func(), error)
	Settings(userID string) domain.Settings
}

// VideoHost re-hosts generated videos.
type VideoHost interface {
	StoreVideo(ctx context.Context, userID string, data []byte, mimeType string) (domain.Video, error)
}

// CredentialSelector is told when the gateway rejects the configured key
// for the selected model.
type CredentialSelector interface {
	SelectCredential(ctx context.Context, userID string)
}

type CredentialSelectorFunc func(ctx context.Context, userID string)

func (f CredentialSelectorFunc) SelectCredential(ctx context.Context, userID string) {
	f(ctx, userID)
}

type Config struct {
	Gateway  ai.Gateway
	Sessions Sessions

	// Optional.
	Media             VideoHost
	Credentials       CredentialSelector
	Limiter           ratelimit.Limiter
	VideoPollInterval time.Duration
}

type Controller struct {
	gateway      ai.Gateway
	sessions     Sessions
	media        VideoHost
	credentials  CredentialSelector
	limiter      ratelimit.Limiter
	pollInterval time.Duration
	now          func() time.Time
}

// TurnInput is what the user submitted.
type TurnInput struct {
	Text   string         `json:"text"`
	Images []domain.Image `json:"images,omitempty"`
	Video  *domain.Video  `json:"video,omitempty"`
}

func New(cfg Config) (*Controller, error) {
	if cfg.Gateway == nil || cfg.Sessions == nil {
		return nil, errors.New("gateway and sessions are required")
	}
	interval := cfg.VideoPollInterval
	if interval <= 0 {
		interval = defaultVideoPollInterval
	}
	return &Controller{
		gateway:      cfg.Gateway,
		sessions:     cfg.Sessions,
		media:        cfg.Media,
		credentials:  cfg.Credentials,
		limiter:      cfg.Limiter,
		pollInterval: interval,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Turn is a started turn: the user message is persisted and the placeholder
// is rendered. Run finishes it.
type Turn struct {
	c        *Controller
	userID   string
	session  domain.Session
	settings domain.Settings
	kind     domain.GenerationKind
	release  func()
}

// Session returns the session as it was when the turn started.
func (t *Turn) Session() domain.Session {
	return t.session.Clone()
}

// SendTurn runs a whole turn and returns the settled session.
func (c *Controller) SendTurn(ctx context.Context, userID, sessionID string, in TurnInput) (domain.Session, error) {
	turn, err := c.BeginTurn(ctx, userID, sessionID, in)
	if err != nil {
		return domain.Session{}, err
	}
	return turn.Run(ctx), nil
}

// EditTurn rewrites a user message and regenerates from it.
func (c *Controller) EditTurn(ctx context.Context, userID, sessionID, messageID, text string) (domain.Session, error) {
	turn, err := c.BeginEdit(ctx, userID, sessionID, messageID, text)
	if err != nil {
		return domain.Session{}, err
	}
	return turn.Run(ctx), nil
}

// BeginTurn appends and persists the user message, names a fresh session
// after it and renders the placeholder for the answer.
func (c *Controller) BeginTurn(ctx context.Context, userID, sessionID string, in TurnInput) (*Turn, error) {
	in.Text = strings.TrimSpace(in.Text)
	if in.Text == "" && len(in.Images) == 0 && in.Video == nil {
		return nil, ErrEmptyTurn
	}
	if c.limiter != nil && !c.limiter.Allow(ctx, userID) {
		return nil, ErrRateLimited
	}
	release, err := c.sessions.Begin(userID, sessionID)
	if err != nil {
		return nil, err
	}
	session, err := c.sessions.Get(userID, sessionID)
	if err != nil {
		release()
		return nil, err
	}
	first := len(session.Messages) == 0
	now := c.now()
	session.Messages = append(session.Messages, domain.Message{
		ID:        util.NewID(),
		Role:      domain.RoleUser,
		Content:   in.Text,
		Timestamp: now,
		Images:    in.Images,
		Video:     in.Video,
	})
	session.UpdatedAt = now
	if err := c.sessions.Save(ctx, userID, session); err != nil {
		release()
		return nil, err
	}
	if first {
		if title := deriveTitle(in.Text, len(in.Images), in.Video != nil); title != "" {
			renamed, err := c.sessions.Rename(ctx, userID, sessionID, title)
			if err != nil {
				util.LoggerFromContext(ctx).Warn("session rename failed", "session_id", sessionID, "err", err)
			} else {
				session.Title = renamed.Title
				session.UpdatedAt = renamed.UpdatedAt
			}
		}
	}
	return c.start(userID, session, release), nil
}

// BeginEdit truncates the session after messageID, replaces that message's
// text and renders the placeholder for the regenerated answer. The discarded
// suffix is gone for good.
func (c *Controller) BeginEdit(ctx context.Context, userID, sessionID, messageID, text string) (*Turn, error) {
	text = strings.TrimSpace(text)
	if c.limiter != nil && !c.limiter.Allow(ctx, userID) {
		return nil, ErrRateLimited
	}
	release, err := c.sessions.Begin(userID, sessionID)
	if err != nil {
		return nil, err
	}
	session, err := c.sessions.Get(userID, sessionID)
	if err != nil {
		release()
		return nil, err
	}
	idx := session.IndexOf(messageID)
	if idx < 0 {
		release()
		return nil, ErrMessageNotFound
	}
	target := session.Messages[idx]
	if target.Role != domain.RoleUser {
		release()
		return nil, ErrNotUserMessage
	}
	if text == "" && len(target.Images) == 0 && target.Video == nil {
		release()
		return nil, ErrEmptyTurn
	}
	session.Messages = session.Messages[:idx+1]
	session.Messages[idx].Content = text
	session.UpdatedAt = c.now()
	if err := c.sessions.Save(ctx, userID, session); err != nil {
		release()
		return nil, err
	}
	return c.start(userID, session, release), nil
}

func (c *Controller) start(userID string, session domain.Session, release func()) *Turn {
	settings := c.sessions.Settings(userID)
	kind := ai.KindForModel(settings.Model)
	placeholder := domain.Message{
		ID:        util.NewID(),
		Role:      domain.RoleModel,
		Timestamp: c.now(),
	}
	placeholder.MarkPending(kind)
	if kind == domain.KindVideo {
		placeholder.Status = videoStatusPending
	}
	session.Messages = append(session.Messages, placeholder)
	t := &Turn{
		c:        c,
		userID:   userID,
		session:  session,
		settings: settings,
		kind:     kind,
		release:  release,
	}
	t.render()
	return t
}

// Run dispatches the turn to the gateway, settles the placeholder and
// persists the session once. A failure becomes the placeholder's text; Run
// never drops a turn.
func (t *Turn) Run(ctx context.Context) domain.Session {
	defer t.release()
	logger := util.LoggerFromContext(ctx).With("session_id", t.session.ID, "kind", t.kind)
	start := time.Now()

	var err error
	switch t.kind {
	case domain.KindImage:
		err = t.runImage(ctx)
	case domain.KindVideo:
		err = t.runVideo(ctx)
	default:
		err = t.runText(ctx)
	}
	msg := t.answer()
	if err != nil {
		msg.Content = ai.UserMessage(err)
		t.c.gatewayFailed(ctx, t.userID, err)
	}
	msg.Settle()
	t.session.UpdatedAt = t.c.now()

	if err := t.c.sessions.Save(context.WithoutCancel(ctx), t.userID, t.session); err != nil {
		logger.Warn("turn result not saved", "err", err)
	}
	elapsed := time.Since(start)
	metrics.ObserveTurn(string(t.kind), err == nil, elapsed)
	logger.Info("turn finished", "ok", err == nil, "duration_ms", elapsed.Milliseconds())
	// The stored copy carries any rename made while the turn ran.
	if stored, err := t.c.sessions.Get(t.userID, t.session.ID); err == nil {
		return stored
	}
	return t.session.Clone()
}

func (t *Turn) runText(ctx context.Context) error {
	n := len(t.session.Messages)
	req := ai.TextRequest{
		Settings: t.settings,
		History:  t.session.Messages[:n-2],
		Prompt:   t.session.Messages[n-2],
	}
	msg := t.answer()
	var content strings.Builder
	blocked := false
	for chunk, err := range t.c.gateway.StreamText(ctx, req) {
		if err != nil {
			return err
		}
		content.WriteString(chunk.Text)
		msg.Citations = mergeCitations(msg.Citations, chunk.Citations)
		blocked = blocked || chunk.Blocked
		msg.Content = content.String()
		t.render()
	}
	if blocked {
		msg.Content += ai.SafetyNotice
	}
	return nil
}

func (t *Turn) runImage(ctx context.Context) error {
	prompt := t.prompt()
	images, err := t.c.gateway.GenerateImage(ctx, ai.ImageRequest{
		Settings: t.settings,
		Prompt:   prompt.Content,
		Inputs:   prompt.Images,
	})
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return errNoImage
	}
	t.answer().Images = images
	return nil
}

// runVideo starts the job and polls it, publishing one status line per
// poll that comes back unfinished.
func (t *Turn) runVideo(ctx context.Context) error {
	prompt := t.prompt()
	req := ai.VideoRequest{Settings: t.settings, Prompt: prompt.Content}
	if len(prompt.Images) > 0 {
		img := prompt.Images[0]
		req.Image = &img
	}
	job, err := t.c.gateway.StartVideo(ctx, req)
	if err != nil {
		return err
	}
	started := t.c.now()
	for !job.Done {
		if err := sleep(ctx, t.c.pollInterval); err != nil {
			return err
		}
		job, err = t.c.gateway.PollVideo(ctx, job)
		if err != nil {
			return err
		}
		if !job.Done {
			elapsed := int(t.c.now().Sub(started).Seconds())
			t.answer().Status = fmt.Sprintf("%s (%ds)", videoStatusPending, elapsed)
			t.render()
		}
	}
	if job.Result == nil {
		return errNoVideo
	}
	video := t.c.rehost(ctx, t.userID, *job.Result)
	t.answer().Video = &video
	return nil
}

// Speak reads a model answer aloud. The clip is cached on the message so
// repeat requests do not call the gateway.
func (c *Controller) Speak(ctx context.Context, userID, sessionID, messageID string) (domain.Audio, error) {
	release, err := c.sessions.Begin(userID, sessionID)
	if err != nil {
		return domain.Audio{}, err
	}
	defer release()
	session, err := c.sessions.Get(userID, sessionID)
	if err != nil {
		return domain.Audio{}, err
	}
	idx := session.IndexOf(messageID)
	if idx < 0 {
		return domain.Audio{}, ErrMessageNotFound
	}
	msg := &session.Messages[idx]
	if msg.Role != domain.RoleModel {
		return domain.Audio{}, ErrNotModelMessage
	}
	if msg.Audio != nil {
		return *msg.Audio, nil
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" || msg.Pending() {
		return domain.Audio{}, ErrNothingToSpeak
	}
	audio, err := c.gateway.SynthesizeSpeech(ctx, text, c.sessions.Settings(userID).Voice)
	if err != nil {
		c.gatewayFailed(ctx, userID, err)
		return domain.Audio{}, &GatewayError{Err: err}
	}
	msg.Audio = &audio
	if err := c.sessions.Save(ctx, userID, session); err != nil {
		util.LoggerFromContext(ctx).Warn("speech not cached", "session_id", sessionID, "err", err)
	}
	return audio, nil
}

// Transcribe turns a voice recording into composer text.
func (c *Controller) Transcribe(ctx context.Context, userID string, audio domain.Audio) (string, error) {
	if len(audio.Data) == 0 || strings.TrimSpace(audio.MIMEType) == "" {
		return "", ErrEmptyAudio
	}
	text, err := c.gateway.Transcribe(ctx, audio)
	if err != nil {
		c.gatewayFailed(ctx, userID, err)
		return "", &GatewayError{Err: err}
	}
	return strings.TrimSpace(text), nil
}

func (c *Controller) gatewayFailed(ctx context.Context, userID string, err error) {
	category := ai.Classify(err)
	metrics.ObserveGatewayFailure(string(category))
	util.LoggerFromContext(ctx).Warn("gateway call failed", "user_id", userID, "category", category, "err", err)
	if category == ai.CategoryEntitlement && c.credentials != nil {
		c.credentials.SelectCredential(ctx, userID)
	}
}

// rehost copies a finished video into object storage. Any failure keeps the
// gateway's own reference.
func (c *Controller) rehost(ctx context.Context, userID string, video domain.Video) domain.Video {
	if c.media == nil {
		return video
	}
	fetcher, ok := c.gateway.(ai.VideoFetcher)
	if !ok {
		return video
	}
	logger := util.LoggerFromContext(ctx)
	data, err := fetcher.FetchVideo(ctx, video)
	if err != nil {
		logger.Warn("video download failed", "err", err)
		return video
	}
	stored, err := c.media.StoreVideo(ctx, userID, data, video.MIMEType)
	if err != nil {
		logger.Warn("video upload failed", "err", err)
		return video
	}
	return stored
}

func (t *Turn) answer() *domain.Message {
	return &t.session.Messages[len(t.session.Messages)-1]
}

func (t *Turn) prompt() domain.Message {
	return t.session.Messages[len(t.session.Messages)-2]
}

// render shows in-flight progress without persisting it. A session deleted
// mid-turn simply stops rendering.
func (t *Turn) render() {
	_ = t.c.sessions.Put(t.userID, t.session)
}

func mergeCitations(have, add []domain.Citation) []domain.Citation {
	for _, c := range add {
		if c.URI == "" {
			continue
		}
		dup := false
		for _, h := range have {
			if h.URI == c.URI {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, c)
		}
	}
	return have
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
