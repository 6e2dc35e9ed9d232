package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bizpilot/bizpilot/internal/cache"
)

// DefaultTokenTTL is how long issued bearer tokens stay valid.
const DefaultTokenTTL = 24 * time.Hour

const tokenIssuer = "bizpilot"

var (
	// ErrInvalidCredentials reports a failed login. The same error
	// covers unknown emails and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrInvalidToken reports a bearer token that is malformed,
	// expired, or signed with the wrong key.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrInvalidEmail reports a registration email that does not parse.
	ErrInvalidEmail = errors.New("invalid email address")

	// ErrWeakPassword reports a registration password below the
	// minimum length.
	ErrWeakPassword = errors.New("password must be at least 8 characters")
)

const minPasswordLen = 8

// Claims is the JWT payload: the registered claims plus the user's
// plan.
type Claims struct {
	Plan string `json:"plan,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and verifies credentials over a user store.
type Service struct {
	store    *Store
	secret   []byte
	tokenTTL time.Duration
	cache    *cache.Store
	logger   *slog.Logger
	now      func() time.Time
}

// SetCache enables a short-lived profile cache in front of the user
// store, keeping token verification off SQLite on the hot path.
// Accounts are immutable after registration, so cached profiles never
// go stale within their TTL.
func (s *Service) SetCache(cs *cache.Store) {
	s.cache = cs
}

// NewService creates an auth service signing tokens with secret.
func NewService(store *Store, secret []byte, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		secret:   secret,
		tokenTTL: DefaultTokenTTL,
		logger:   logger.With("component", "auth"),
		now:      time.Now,
	}
}

// SetTokenTTL overrides the bearer token lifetime. Values of zero or
// below are ignored.
func (s *Service) SetTokenTTL(d time.Duration) {
	if d > 0 {
		s.tokenTTL = d
	}
}

// SetClock overrides the time source used for token issuance and
// validation. Tests use it to expire tokens.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Register creates an account and returns it with a fresh bearer
// token. The email is normalized to lower case.
func (s *Service) Register(ctx context.Context, email, password, fullName, plan string) (*User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, "", ErrInvalidEmail
	}
	if len(password) < minPasswordLen {
		return nil, "", ErrWeakPassword
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.Create(ctx, email, strings.TrimSpace(fullName), plan, hash)
	if err != nil {
		return nil, "", err
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("user registered", "user_id", user.ID, "email", user.Email, "plan", user.Plan)
	return user, token, nil
}

// Login checks credentials and returns the account with a fresh
// bearer token.
func (s *Service) Login(ctx context.Context, email, password string) (*User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, hash, err := s.store.ByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", err
	}

	ok, err := VerifyPassword(password, hash)
	if err != nil {
		s.logger.Error("stored password hash unusable", "user_id", user.ID, "error", err)
		return nil, "", ErrInvalidCredentials
	}
	if !ok {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.IssueToken(user)
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// IssueToken signs a bearer token for user.
func (s *Service) IssueToken(user *User) (string, error) {
	now := s.now()
	claims := Claims{
		Plan: user.Plan,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a bearer token and returns its claims.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate validates a bearer token and loads its account. Tokens
// for deleted accounts fail the same way as bad tokens.
func (s *Service) Authenticate(ctx context.Context, tokenString string) (*User, error) {
	claims, err := s.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		var cached User
		if s.cache.GetJSON(ctx, cache.UserKey(claims.Subject), &cached) {
			return &cached, nil
		}
	}

	user, err := s.store.ByID(ctx, claims.Subject)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, cache.UserKey(user.ID), user, cache.UserTTL)
	}
	return user, nil
}

type contextKey int

const userContextKey contextKey = iota

// UserFromContext returns the authenticated user placed by
// Middleware.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userContextKey).(*User)
	return u, ok
}

// WithUser returns a context carrying user. Handlers under Middleware
// never need this directly; tests do.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// Middleware authenticates the Authorization bearer token and places
// the account in the request context. Requests without a valid token
// get a 401 JSON error.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			unauthorized(w, "missing bearer token")
			return
		}

		user, err := s.Authenticate(r.Context(), strings.TrimSpace(token))
		if err != nil {
			unauthorized(w, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
