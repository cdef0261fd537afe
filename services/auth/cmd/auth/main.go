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

	"studiochat/internal/oauthtoken"
	"studiochat/internal/ratelimit"
	"studiochat/internal/util"
	"studiochat/pkg/store"
	"studiochat/services/auth/internal/app"
	"studiochat/services/auth/internal/config"
	"studiochat/services/auth/internal/security"
	"studiochat/services/auth/internal/server"
)

const defaultTokenTTL = 30 * 24 * time.Hour

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.InitLogger(cfg.LogLevel)

	tokenTTL, _ := config.ParseDuration("tokenTTL", cfg.TokenTTL)
	if tokenTTL == 0 {
		tokenTTL = defaultTokenTTL
	}
	leeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)

	users, err := openUserStore(cfg)
	if err != nil {
		util.Fatal("failed to open user store", "err", err)
	}

	var revoker store.TokenRevoker = store.NewMemoryTokenRevoker()
	if cfg.RedisAddr != "" {
		revoker = store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
	}
	tokens, err := store.NewJWTTokenStore(cfg.JWTSecret, tokenTTL, revoker, store.JWTOptions{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		util.Fatal("failed to init token store", "err", err)
	}

	appCfg := app.Config{
		Users:         users,
		Tokens:        tokens,
		OAuthProvider: cfg.OAuthProvider,
		Alerter:       security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, "studiochat:alerts"),
	}
	if cfg.OAuthClientID != "" {
		verifier, err := oauthtoken.NewVerifier(oauthtoken.Config{
			JWKSURL:  cfg.OAuthJWKSURL,
			Audience: cfg.OAuthClientID,
		})
		if err != nil {
			util.Fatal("failed to init oauth verifier", "err", err)
		}
		appCfg.OAuth = verifier
	}
	if appCfg.LoginLimiter, err = newLimiter(cfg, "login", cfg.LoginRateLimitPerMinute); err != nil {
		util.Fatal("failed to init login limiter", "err", err)
	}
	if appCfg.RegisterLimiter, err = newLimiter(cfg, "register", cfg.RegisterRateLimitPerMinute); err != nil {
		util.Fatal("failed to init register limiter", "err", err)
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:         appCore,
		CORSOrigins: cfg.CORSOrigins,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("auth server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
	}
}

// openUserStore prefers Postgres, then Redis, then process memory.
func openUserStore(cfg config.FileConfig) (store.UserStore, error) {
	switch {
	case cfg.DatabaseURL != "":
		return store.NewGormStore(cfg.DatabaseURL)
	case cfg.RedisAddr != "":
		slog.Warn("databaseURL not set; storing identities in redis")
		return store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword), nil
	default:
		slog.Warn("no databaseURL or redisAddr; identities are kept in memory")
		return store.NewMemoryStore(), nil
	}
}

func newLimiter(cfg config.FileConfig, name string, perMinute int) (ratelimit.Limiter, error) {
	if perMinute <= 0 {
		return nil, nil
	}
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryLimiter(perMinute, time.Minute)
	}
	return ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "studiochat:ratelimit:auth:"+name, perMinute, time.Minute)
}
