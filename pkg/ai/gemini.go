package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"studiochat/pkg/domain"
)

const (
	defaultTextModel       = "gemini-2.5-flash"
	defaultImageModel      = "gemini-2.5-flash-image"
	defaultVideoModel      = "veo-3.0-fast-generate-001"
	defaultSpeechModel     = "gemini-2.5-flash-preview-tts"
	defaultTranscribeModel = "gemini-2.5-flash"
	defaultVoice           = "Kore"
	defaultMaxVideoBytes   = 256 << 20

	transcribePrompt = "Transcribe this audio exactly as spoken. Reply with the transcript only."
)

// GeminiConfig configures the Gemini gateway.
type GeminiConfig struct {
	APIKey             string
	SpeechModel        string
	TranscriptionModel string
	HTTPClient         *http.Client
	// RequestsPerSecond paces calls across all users sharing the key.
	// Zero disables pacing.
	RequestsPerSecond float64
	// MaxVideoBytes caps a downloaded video. Zero means 256 MiB.
	MaxVideoBytes int64
}

// GeminiGateway implements Gateway on top of the genai SDK.
// The SDK client is created lazily on first use so the service can start
// without credentials and report the missing key per turn.
type GeminiGateway struct {
	apiKey          string
	speechModel     string
	transcribeModel string
	httpClient      *http.Client
	pace            *rate.Limiter
	maxVideoBytes   int64

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiGateway builds a gateway; an empty API key is allowed.
func NewGeminiGateway(cfg GeminiConfig) *GeminiGateway {
	g := &GeminiGateway{
		apiKey:          strings.TrimSpace(cfg.APIKey),
		speechModel:     orDefault(cfg.SpeechModel, defaultSpeechModel),
		transcribeModel: orDefault(cfg.TranscriptionModel, defaultTranscribeModel),
		httpClient:      cfg.HTTPClient,
		maxVideoBytes:   cfg.MaxVideoBytes,
	}
	if g.maxVideoBytes <= 0 {
		g.maxVideoBytes = defaultMaxVideoBytes
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		g.pace = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return g
}

// IsConfigured reports whether an API key is present.
func (g *GeminiGateway) IsConfigured() bool {
	return g.apiKey != ""
}

// sdk returns the shared client once the call is allowed through the pacer.
func (g *GeminiGateway) sdk(ctx context.Context) (*genai.Client, error) {
	client, err := g.lazyClient(ctx)
	if err != nil {
		return nil, err
	}
	if g.pace != nil {
		if err := g.pace.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func (g *GeminiGateway) lazyClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	if g.apiKey == "" {
		return nil, ErrNotConfigured
	}
	cfg := &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.httpClient != nil {
		cfg.HTTPClient = g.httpClient
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	slog.Debug("genai client initialized")
	g.client = client
	return client, nil
}

// StreamText streams a text answer. The sequence ends after the first error.
func (g *GeminiGateway) StreamText(ctx context.Context, req TextRequest) iter.Seq2[TextChunk, error] {
	return func(yield func(TextChunk, error) bool) {
		client, err := g.sdk(ctx)
		if err != nil {
			yield(TextChunk{}, err)
			return
		}
		model := orDefault(req.Settings.Model, defaultTextModel)
		contents := buildContents(req.History, req.Prompt)
		stream := client.Models.GenerateContentStream(ctx, model, contents, buildTextConfig(req.Settings))
		for resp, err := range stream {
			if err != nil {
				yield(TextChunk{}, err)
				return
			}
			if !yield(chunkFromResponse(resp), nil) {
				return
			}
		}
	}
}

// GenerateImage returns every image the model produced for the prompt.
func (g *GeminiGateway) GenerateImage(ctx context.Context, req ImageRequest) ([]domain.Image, error) {
	client, err := g.sdk(ctx)
	if err != nil {
		return nil, err
	}
	model := orDefault(req.Settings.Model, defaultImageModel)
	if strings.Contains(strings.ToLower(model), "imagen") {
		return g.generateImagen(ctx, client, model, req)
	}

	parts := make([]*genai.Part, 0, len(req.Inputs)+1)
	for _, img := range req.Inputs {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	if strings.TrimSpace(req.Prompt) != "" {
		parts = append(parts, genai.NewPartFromText(req.Prompt))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	config := &genai.GenerateContentConfig{ResponseModalities: []string{"TEXT", "IMAGE"}}
	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, err
	}
	images := imagesFromResponse(resp)
	if len(images) == 0 {
		return nil, fmt.Errorf("no image returned: %w", ErrEmptyResult)
	}
	return images, nil
}

func (g *GeminiGateway) generateImagen(ctx context.Context, client *genai.Client, model string, req ImageRequest) ([]domain.Image, error) {
	config := &genai.GenerateImagesConfig{}
	if ar := strings.TrimSpace(req.Settings.AspectRatio); ar != "" {
		config.AspectRatio = ar
	}
	resp, err := client.Models.GenerateImages(ctx, model, req.Prompt, config)
	if err != nil {
		return nil, err
	}
	var images []domain.Image
	for _, gen := range resp.GeneratedImages {
		if gen == nil || gen.Image == nil || len(gen.Image.ImageBytes) == 0 {
			continue
		}
		images = append(images, domain.Image{
			MIMEType: orDefault(gen.Image.MIMEType, "image/png"),
			Data:     gen.Image.ImageBytes,
		})
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no image returned: %w", ErrEmptyResult)
	}
	return images, nil
}

// StartVideo submits an asynchronous video job.
func (g *GeminiGateway) StartVideo(ctx context.Context, req VideoRequest) (VideoJob, error) {
	client, err := g.sdk(ctx)
	if err != nil {
		return VideoJob{}, err
	}
	var image *genai.Image
	if req.Image != nil {
		image = &genai.Image{ImageBytes: req.Image.Data, MIMEType: req.Image.MIMEType}
	}
	model := orDefault(req.Settings.Model, defaultVideoModel)
	op, err := client.Models.GenerateVideos(ctx, model, req.Prompt, image, buildVideoConfig(req.Settings))
	if err != nil {
		return VideoJob{}, err
	}
	return jobFromOperation(op)
}

// PollVideo refreshes a job handle returned by StartVideo.
func (g *GeminiGateway) PollVideo(ctx context.Context, job VideoJob) (VideoJob, error) {
	client, err := g.sdk(ctx)
	if err != nil {
		return job, err
	}
	op, ok := job.op.(*genai.GenerateVideosOperation)
	if !ok || op == nil {
		return job, errors.New("unknown video job")
	}
	next, err := client.Operations.GetVideosOperation(ctx, op, nil)
	if err != nil {
		return job, err
	}
	return jobFromOperation(next)
}

// FetchVideo downloads a generated video. Gemini file URIs require the key.
func (g *GeminiGateway) FetchVideo(ctx context.Context, video domain.Video) ([]byte, error) {
	if g.apiKey == "" {
		return nil, ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, video.URI, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-goog-api-key", g.apiKey)
	httpClient := g.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch video: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxVideoBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > g.maxVideoBytes {
		return nil, ErrVideoTooLarge
	}
	return data, nil
}

// SynthesizeSpeech renders text as a WAV clip.
func (g *GeminiGateway) SynthesizeSpeech(ctx context.Context, text, voice string) (domain.Audio, error) {
	client, err := g.sdk(ctx)
	if err != nil {
		return domain.Audio{}, err
	}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: orDefault(voice, defaultVoice)},
			},
		},
	}
	resp, err := client.Models.GenerateContent(ctx, g.speechModel, genai.Text(text), config)
	if err != nil {
		return domain.Audio{}, err
	}
	for _, blob := range inlineBlobs(resp) {
		if !strings.HasPrefix(strings.ToLower(blob.MIMEType), "audio/") {
			continue
		}
		return toWAV(blob.MIMEType, blob.Data), nil
	}
	return domain.Audio{}, fmt.Errorf("no audio returned: %w", ErrEmptyResult)
}

// Transcribe turns recorded audio into text.
func (g *GeminiGateway) Transcribe(ctx context.Context, audio domain.Audio) (string, error) {
	client, err := g.sdk(ctx)
	if err != nil {
		return "", err
	}
	parts := []*genai.Part{
		genai.NewPartFromBytes(audio.Data, audio.MIMEType),
		genai.NewPartFromText(transcribePrompt),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := client.Models.GenerateContent(ctx, g.transcribeModel, contents, nil)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(chunkFromResponse(resp).Text)
	if text == "" {
		return "", fmt.Errorf("empty transcript: %w", ErrEmptyResult)
	}
	return text, nil
}

// buildContents maps chat history to SDK contents. Placeholders that are still
// generating and system messages are skipped; the system instruction travels
// in the request config instead.
func buildContents(history []domain.Message, prompt domain.Message) []*genai.Content {
	all := make([]domain.Message, 0, len(history)+1)
	all = append(all, history...)
	all = append(all, prompt)

	contents := make([]*genai.Content, 0, len(all))
	for _, msg := range all {
		if msg.Pending() {
			continue
		}
		var role genai.Role
		switch msg.Role {
		case domain.RoleUser:
			role = genai.RoleUser
		case domain.RoleModel:
			role = genai.RoleModel
		default:
			continue
		}
		parts := make([]*genai.Part, 0, len(msg.Images)+2)
		for _, img := range msg.Images {
			parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
		}
		if msg.Role == domain.RoleUser && msg.Video != nil && msg.Video.URI != "" {
			parts = append(parts, genai.NewPartFromURI(msg.Video.URI, orDefault(msg.Video.MIMEType, "video/mp4")))
		}
		if strings.TrimSpace(msg.Content) != "" {
			parts = append(parts, genai.NewPartFromText(msg.Content))
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents
}

func buildTextConfig(s domain.Settings) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if strings.TrimSpace(s.SystemInstruction) != "" {
		config.SystemInstruction = genai.NewContentFromText(s.SystemInstruction, genai.RoleUser)
	}
	temperature := s.Temperature
	config.Temperature = &temperature
	if s.UseSearch {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if s.UseThinking {
		budget := int32(-1)
		config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}
	return config
}

func buildVideoConfig(s domain.Settings) *genai.GenerateVideosConfig {
	config := &genai.GenerateVideosConfig{}
	if ar := strings.TrimSpace(s.AspectRatio); ar != "" {
		config.AspectRatio = ar
	}
	if res := strings.TrimSpace(s.Resolution); res != "" {
		config.Resolution = res
	}
	return config
}

// chunkFromResponse extracts visible text, grounding citations and the safety
// signal from one streamed response. Thought parts are never surfaced.
func chunkFromResponse(resp *genai.GenerateContentResponse) TextChunk {
	var chunk TextChunk
	if resp == nil {
		return chunk
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		chunk.Blocked = true
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil {
			continue
		}
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part == nil || part.Thought || part.Text == "" {
					continue
				}
				sb.WriteString(part.Text)
			}
		}
		if cand.FinishReason == genai.FinishReasonSafety {
			chunk.Blocked = true
		}
		if cand.GroundingMetadata != nil {
			for _, gc := range cand.GroundingMetadata.GroundingChunks {
				if gc == nil || gc.Web == nil || gc.Web.URI == "" {
					continue
				}
				chunk.Citations = append(chunk.Citations, domain.Citation{URI: gc.Web.URI, Title: gc.Web.Title})
			}
		}
	}
	chunk.Text = sb.String()
	return chunk
}

func inlineBlobs(resp *genai.GenerateContentResponse) []*genai.Blob {
	if resp == nil {
		return nil
	}
	var out []*genai.Blob
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				out = append(out, part.InlineData)
			}
		}
	}
	return out
}

func imagesFromResponse(resp *genai.GenerateContentResponse) []domain.Image {
	var images []domain.Image
	for _, blob := range inlineBlobs(resp) {
		if !strings.HasPrefix(strings.ToLower(blob.MIMEType), "image/") {
			continue
		}
		images = append(images, domain.Image{MIMEType: blob.MIMEType, Data: blob.Data})
	}
	return images
}

func jobFromOperation(op *genai.GenerateVideosOperation) (VideoJob, error) {
	if op == nil {
		return VideoJob{}, errors.New("video operation missing")
	}
	job := VideoJob{ID: op.Name, Done: op.Done, op: op}
	if !op.Done {
		return job, nil
	}
	if len(op.Error) > 0 {
		return job, fmt.Errorf("video generation failed: %v", op.Error["message"])
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 {
		return job, fmt.Errorf("no video returned: %w", ErrEmptyResult)
	}
	video := op.Response.GeneratedVideos[0].Video
	if video == nil || video.URI == "" {
		return job, fmt.Errorf("no video returned: %w", ErrEmptyResult)
	}
	job.Result = &domain.Video{URI: video.URI, MIMEType: orDefault(video.MIMEType, "video/mp4")}
	return job, nil
}

func orDefault(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	return v
}
