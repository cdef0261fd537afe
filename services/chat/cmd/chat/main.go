package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"studiochat/internal/metrics"
	"studiochat/internal/ratelimit"
	"studiochat/internal/util"
	"studiochat/pkg/ai"
	"studiochat/pkg/feed"
	"studiochat/pkg/outbox"
	"studiochat/pkg/storage"
	"studiochat/pkg/store"
	"studiochat/services/chat/internal/config"
	"studiochat/services/chat/internal/conversation"
	"studiochat/services/chat/internal/server"
	"studiochat/services/chat/internal/sessions"
)

const (
	// Token TTL is enforced by the issuer; the chat service only verifies.
	verifyOnlyTTL      = time.Hour
	defaultIdleTTL     = 30 * time.Minute
	janitorInterval    = time.Minute
	turnDrainTimeout   = 2 * time.Minute
	serverShutdownWait = 10 * time.Second
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.InitLogger(cfg.LogLevel)

	leeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	pollInterval, _ := config.ParseDuration("videoPollInterval", cfg.VideoPollInterval)
	linkTTL, _ := config.ParseDuration("mediaLinkTTL", cfg.MediaLinkTTL)
	idleTTL, _ := config.ParseDuration("idleSessionTTL", cfg.IdleSessionTTL)
	if idleTTL == 0 {
		idleTTL = defaultIdleTTL
	}

	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	if cfg.RedisAddr != "" {
		revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
	}
	tokens, err := store.NewJWTTokenStore(cfg.JWTSecret, verifyOnlyTTL, revoker, store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	sessionStore, err := openSessionStore(cfg)
	if err != nil {
		util.Fatal("failed to open session store", "err", err)
	}
	var changes feed.Feed = feed.NewHub()
	if cfg.RedisAddr != "" {
		changes = feed.NewRedisFeed(cfg.RedisAddr, cfg.RedisPassword)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var media *storage.MediaStore
	if cfg.MediaEnabled() {
		objects, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Region:    cfg.MinioRegion,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			util.Fatal("failed to init media storage", "err", err)
		}
		media = storage.NewMediaStore(objects, linkTTL)
	} else {
		slog.Info("minio not configured; generated videos keep provider references")
	}

	var mgr *sessions.Manager
	writes := outbox.New(feed.NewPublishingStore(sessionStore, changes), outbox.Config{
		Shards: cfg.OutboxShards,
		OnResult: func(res outbox.Result) {
			metrics.ObserveWrite(string(res.Write.Op), res.Err, res.Duration)
			mgr.Ack(res)
		},
	})

	defaults := sessions.DefaultSettings()
	if cfg.DefaultModel != "" {
		defaults.Model = cfg.DefaultModel
	}
	if cfg.DefaultVoice != "" {
		defaults.Voice = cfg.DefaultVoice
	}
	sessCfg := sessions.Config{
		Store:    sessionStore,
		Feed:     changes,
		Writes:   writes,
		Defaults: defaults,
	}
	if media != nil {
		sessCfg.Media = media
	}
	mgr = sessions.New(sessCfg)
	defer mgr.Close()

	gateway := ai.NewGeminiGateway(ai.GeminiConfig{
		APIKey:             cfg.GeminiAPIKey,
		SpeechModel:        cfg.SpeechModel,
		TranscriptionModel: cfg.TranscriptionModel,
		RequestsPerSecond:  cfg.GeminiRequestsPerSecond,
		MaxVideoBytes:      cfg.MaxVideoBytes,
	})
	if !gateway.IsConfigured() {
		slog.Warn("geminiAPIKey not set; turns will report the missing key")
	}
	convCfg := conversation.Config{
		Gateway:           gateway,
		Sessions:          mgr,
		VideoPollInterval: pollInterval,
		Credentials: conversation.CredentialSelectorFunc(func(_ context.Context, userID string) {
			mgr.Notify(userID, sessions.Event{Type: sessions.EventCredentialsRequired})
		}),
	}
	if media != nil {
		convCfg.Media = media
	}
	if convCfg.Limiter, err = newTurnLimiter(cfg); err != nil {
		util.Fatal("failed to init turn limiter", "err", err)
	}
	turns, err := conversation.New(convCfg)
	if err != nil {
		util.Fatal("failed to init conversation controller", "err", err)
	}

	turnCtx, cancelTurns := context.WithCancel(context.Background())
	defer cancelTurns()
	srvCfg := server.Config{
		Tokens:      tokens,
		Sessions:    mgr,
		Turns:       turns,
		CORSOrigins: cfg.CORSOrigins,
		BaseContext: turnCtx,
	}
	if media != nil {
		srvCfg.Media = media
	}
	httpServer := server.New(srvCfg)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// The outbox outlives the HTTP server so the final writes of draining
	// turns still reach the store.
	outboxCtx, stopOutbox := context.WithCancel(context.Background())
	defer stopOutbox()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chat server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return writes.Run(outboxCtx)
	})
	g.Go(func() error {
		return mgr.RunJanitor(gctx, janitorInterval, idleTTL)
	})
	g.Go(func() error {
		<-gctx.Done()
		defer stopOutbox()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownWait)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), turnDrainTimeout)
		defer cancelDrain()
		if derr := httpServer.Drain(drainCtx); derr != nil {
			slog.Warn("turns still running at shutdown; cancelling", "err", derr)
			cancelTurns()
			_ = httpServer.Drain(context.Background())
		}
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}
}

// openSessionStore prefers Postgres, then Redis, then process memory.
func openSessionStore(cfg config.FileConfig) (store.SessionStore, error) {
	switch {
	case cfg.DatabaseURL != "":
		return store.NewGormStore(cfg.DatabaseURL)
	case cfg.RedisAddr != "":
		slog.Warn("databaseURL not set; storing sessions in redis")
		return store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword), nil
	default:
		slog.Warn("no databaseURL or redisAddr; sessions are kept in memory")
		return store.NewMemoryStore(), nil
	}
}

func newTurnLimiter(cfg config.FileConfig) (ratelimit.Limiter, error) {
	if cfg.TurnRateLimitPerMinute <= 0 {
		return nil, nil
	}
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryLimiter(cfg.TurnRateLimitPerMinute, time.Minute)
	}
	return ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "studiochat:ratelimit:chat:turn", cfg.TurnRateLimitPerMinute, time.Minute)
}
