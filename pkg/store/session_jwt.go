package store

import (
	"context"
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"studiochat/internal/util"
)

const (
	defaultJWTIssuer   = "studiochat-auth"
	defaultJWTAudience = "studiochat"
	defaultJWTLeeway   = 30 * time.Second
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
)

// JWTOptions configures claim validation.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// JWTTokenStore issues HS256 bearer tokens shared by the auth and chat
// services. Every token carries a jti so it can be revoked on sign-out.
type JWTTokenStore struct {
	secret  []byte
	ttl     time.Duration
	revoker TokenRevoker

	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTTokenStore builds a token store. revoker may be nil.
func NewJWTTokenStore(secret string, ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*JWTTokenStore, error) {
	if len(strings.TrimSpace(secret)) < 32 {
		return nil, errors.New("jwt secret must be at least 32 characters")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.Issuer == "" {
		opts.Issuer = defaultJWTIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultJWTAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultJWTLeeway
	}
	return &JWTTokenStore{
		secret:   []byte(secret),
		ttl:      ttl,
		revoker:  revoker,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
	}, nil
}

// TTL returns the lifetime of issued tokens.
func (s *JWTTokenStore) TTL() time.Duration {
	return s.ttl
}

// NewToken signs a token for the user ID.
func (s *JWTTokenStore) NewToken(userID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        util.NewID(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// GetUserIDByToken validates a token and returns its subject.
func (s *JWTTokenStore) GetUserIDByToken(token string) (string, bool, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", false, err
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(context.Background(), claims.ID)
		if err != nil {
			return "", false, err
		}
		if revoked {
			return "", false, ErrTokenRevoked
		}
	}
	return claims.Subject, true, nil
}

// RevokeToken revokes the token until it expires. Unparseable tokens are
// ignored; they are already unusable.
func (s *JWTTokenStore) RevokeToken(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parse(token)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	return s.revoker.Revoke(context.Background(), claims.ID, time.Until(claims.ExpiresAt.Time))
}

func (s *JWTTokenStore) parse(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	)
	if err != nil || !parsed.Valid {
		return claims, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.ID) == "" || strings.TrimSpace(claims.Subject) == "" {
		return claims, ErrTokenInvalid
	}
	return claims, nil
}
