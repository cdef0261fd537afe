package ai

import (
	"context"
	"errors"
	"iter"
	"strings"

	"studiochat/pkg/domain"
)

// ErrNotConfigured is returned by every gateway call when no API key is set.
var ErrNotConfigured = errors.New("gateway api key not configured")

// ErrEmptyResult marks a call that succeeded at the transport level but
// produced nothing usable (for example an image request with no image).
var ErrEmptyResult = errors.New("gateway returned no result")

// ErrVideoTooLarge is returned when a generated video exceeds the download cap.
var ErrVideoTooLarge = errors.New("generated video exceeds size limit")

// Gateway is the hosted generative API as seen by the conversation controller.
// All providers are reached through this interface so tests can substitute a fake.
type Gateway interface {
	StreamText(ctx context.Context, req TextRequest) iter.Seq2[TextChunk, error]
	GenerateImage(ctx context.Context, req ImageRequest) ([]domain.Image, error)
	StartVideo(ctx context.Context, req VideoRequest) (VideoJob, error)
	PollVideo(ctx context.Context, job VideoJob) (VideoJob, error)
	SynthesizeSpeech(ctx context.Context, text, voice string) (domain.Audio, error)
	Transcribe(ctx context.Context, audio domain.Audio) (string, error)
}

// VideoFetcher is an optional capability for gateways whose video references
// need an authenticated download before they can be re-hosted.
type VideoFetcher interface {
	FetchVideo(ctx context.Context, video domain.Video) ([]byte, error)
}

// TextRequest is one streamed turn: prior history plus the new user message.
type TextRequest struct {
	Settings domain.Settings
	History  []domain.Message
	Prompt   domain.Message
}

// TextChunk is one increment of a streamed answer. Any field may be empty.
type TextChunk struct {
	Text      string
	Citations []domain.Citation
	Blocked   bool
}

type ImageRequest struct {
	Settings domain.Settings
	Prompt   string
	Inputs   []domain.Image
}

type VideoRequest struct {
	Settings domain.Settings
	Prompt   string
	Image    *domain.Image
}

// VideoJob is a handle to an asynchronous video generation.
type VideoJob struct {
	ID     string
	Done   bool
	Result *domain.Video

	op any
}

// KindForModel infers which generation call a model identifier belongs to.
func KindForModel(model string) domain.GenerationKind {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.Contains(m, "veo"):
		return domain.KindVideo
	case strings.Contains(m, "imagen"), strings.Contains(m, "-image"):
		return domain.KindImage
	default:
		return domain.KindText
	}
}
