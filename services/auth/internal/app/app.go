package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"studiochat/internal/metrics"
	"studiochat/internal/oauthtoken"
	"studiochat/internal/ratelimit"
	"studiochat/internal/util"
	"studiochat/pkg/auth"
	"studiochat/pkg/domain"
	"studiochat/pkg/store"
	"studiochat/services/auth/internal/security"
)

const guestDisplayName = "Guest"

// IDTokenVerifier validates an OAuth ID token from the browser sign-in popup.
type IDTokenVerifier interface {
	Verify(ctx context.Context, token string) (oauthtoken.Identity, error)
}

// Config holds runtime dependencies for the identity service.
type Config struct {
	Users  store.UserStore
	Tokens store.TokenStore

	// Optional.
	OAuth           IDTokenVerifier
	OAuthProvider   string
	LoginLimiter    ratelimit.Limiter
	RegisterLimiter ratelimit.Limiter
	Alerter         *security.AuditAlerter
}

// App issues guest, password and provider identities.
type App struct {
	users           store.UserStore
	tokens          store.TokenStore
	oauth           IDTokenVerifier
	oauthProvider   string
	loginLimiter    ratelimit.Limiter
	registerLimiter ratelimit.Limiter
	alerter         *security.AuditAlerter
	now             func() time.Time
}

// Result is an identity together with the bearer token that proves it.
type Result struct {
	User  domain.User `json:"user"`
	Token string      `json:"token"`
}

func New(cfg Config) (*App, error) {
	if cfg.Users == nil || cfg.Tokens == nil {
		return nil, errors.New("user store and token store are required")
	}
	provider := strings.TrimSpace(cfg.OAuthProvider)
	if provider == "" {
		provider = "google"
	}
	return &App{
		users:           cfg.Users,
		tokens:          cfg.Tokens,
		oauth:           cfg.OAuth,
		oauthProvider:   provider,
		loginLimiter:    cfg.LoginLimiter,
		registerLimiter: cfg.RegisterLimiter,
		alerter:         cfg.Alerter,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// EnsureGuest creates a fresh anonymous identity.
func (a *App) EnsureGuest(ctx context.Context) (Result, error) {
	now := a.now()
	user := domain.User{
		ID:          util.NewID(),
		DisplayName: guestDisplayName,
		Anonymous:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.users.SaveUser(ctx, user); err != nil {
		return Result{}, fmt.Errorf("save guest: %w", err)
	}
	return a.issue(user)
}

// Register creates a password account. The new identity replaces whatever
// guest the caller held.
func (a *App) Register(ctx context.Context, email, password, displayName string) (Result, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	displayName = strings.TrimSpace(displayName)
	if email == "" || password == "" {
		return Result{}, ErrMissingFields
	}
	if !allow(ctx, a.registerLimiter, email) {
		a.observe(ctx, "auth.register", security.OutcomeRateLimited, email)
		return Result{}, ErrRateLimited
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Result{}, ErrMissingFields
	}
	if err := auth.ValidatePassword(password); err != nil {
		return Result{}, err
	}
	exists, err := a.users.HasUserEmail(ctx, email)
	if err != nil {
		return Result{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		a.observe(ctx, "auth.register", security.OutcomeFail, email)
		return Result{}, ErrEmailInUse
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return Result{}, fmt.Errorf("hash password: %w", err)
	}
	if displayName == "" {
		displayName, _, _ = strings.Cut(email, "@")
	}
	now := a.now()
	user := domain.User{
		ID:          util.NewID(),
		DisplayName: displayName,
		Email:       email,
		PassHash:    hash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.users.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return Result{}, ErrEmailInUse
		}
		return Result{}, fmt.Errorf("save user: %w", err)
	}
	return a.issue(user)
}

// SignIn checks a password account.
func (a *App) SignIn(ctx context.Context, email, password string) (Result, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return Result{}, ErrMissingFields
	}
	if !allow(ctx, a.loginLimiter, email) {
		a.observe(ctx, "auth.login", security.OutcomeRateLimited, email)
		return Result{}, ErrRateLimited
	}
	user, ok, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		return Result{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PassHash) {
		a.observe(ctx, "auth.login", security.OutcomeFail, email)
		return Result{}, ErrInvalidCredentials
	}
	return a.issue(user)
}

// SignInWithProvider exchanges a provider ID token for an identity. A known
// provider subject signs in; a verified email that matches a password
// account links to it; anything else creates a new account.
func (a *App) SignInWithProvider(ctx context.Context, idToken string) (Result, error) {
	if a.oauth == nil {
		return Result{}, ErrOAuthNotConfigured
	}
	if strings.TrimSpace(idToken) == "" {
		return Result{}, ErrMissingFields
	}
	claims, err := a.oauth.Verify(ctx, idToken)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("id token rejected", "provider", a.oauthProvider, "err", err)
		a.observe(ctx, "auth.oauth", security.OutcomeFail, a.oauthProvider)
		return Result{}, ErrProviderSignIn
	}

	email := strings.ToLower(strings.TrimSpace(claims.Email))
	user, ok, err := a.users.GetUserByProvider(ctx, a.oauthProvider, claims.Subject)
	if err != nil {
		return Result{}, fmt.Errorf("fetch provider user: %w", err)
	}
	if !ok && claims.EmailVerified && email != "" {
		user, ok, err = a.users.GetUserByEmail(ctx, email)
		if err != nil {
			return Result{}, fmt.Errorf("fetch user: %w", err)
		}
	}
	now := a.now()
	if !ok {
		user = domain.User{ID: util.NewID(), CreatedAt: now}
		if claims.EmailVerified {
			user.Email = email
		}
	}
	user.Provider = a.oauthProvider
	user.Subject = claims.Subject
	user.Anonymous = false
	if claims.Name != "" {
		user.DisplayName = claims.Name
	}
	if user.DisplayName == "" {
		user.DisplayName = guestDisplayName
	}
	if claims.Picture != "" {
		user.AvatarURL = claims.Picture
	}
	user.UpdatedAt = now
	if err := a.users.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return Result{}, ErrEmailInUse
		}
		return Result{}, fmt.Errorf("save provider user: %w", err)
	}
	return a.issue(user)
}

// SignOut revokes token and hands back a fresh guest identity.
func (a *App) SignOut(ctx context.Context, token string) (Result, error) {
	if err := a.tokens.RevokeToken(token); err != nil {
		return Result{}, fmt.Errorf("revoke token: %w", err)
	}
	return a.EnsureGuest(ctx)
}

// Me resolves the identity behind a token.
func (a *App) Me(ctx context.Context, token string) (domain.User, error) {
	uid, ok, err := a.tokens.GetUserIDByToken(token)
	if err != nil || !ok {
		a.observe(ctx, "auth.authorize", security.OutcomeFail, "token")
		return domain.User{}, ErrUnauthorized
	}
	user, found, err := a.users.GetUserByID(ctx, uid)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found {
		return domain.User{}, ErrUnauthorized
	}
	return user, nil
}

func (a *App) issue(user domain.User) (Result, error) {
	token, err := a.tokens.NewToken(user.ID)
	if err != nil {
		return Result{}, fmt.Errorf("issue token: %w", err)
	}
	return Result{User: user, Token: token}, nil
}

func allow(ctx context.Context, limiter ratelimit.Limiter, key string) bool {
	if limiter == nil {
		return true
	}
	return limiter.Allow(ctx, key)
}

func (a *App) observe(ctx context.Context, event, outcome, subject string) {
	metrics.ObserveAuth(event, outcome)
	res, err := a.alerter.Observe(ctx, event, outcome, subject)
	if err != nil {
		slog.Debug("audit alert observe failed", "event", event, "err", err)
		return
	}
	if res.Triggered {
		util.LoggerFromContext(ctx).Warn("security_alert",
			"event", event,
			"outcome", outcome,
			"count", res.Count,
			"threshold", res.Threshold,
			"window", res.Window.String(),
		)
	}
}
