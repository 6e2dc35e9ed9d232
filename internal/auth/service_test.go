package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/bizpilot/bizpilot/internal/cache"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(newTestUserStore(t), []byte("test-secret"),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestService_RegisterLoginAuthenticate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	user, token, err := svc.Register(ctx, "Ada@Example.com", "s3cret-password", "Ada Lovelace", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "ada@example.com" {
		t.Errorf("email = %q, want lowercased", user.Email)
	}
	if user.Plan != DefaultPlan {
		t.Errorf("plan = %q, want %q", user.Plan, DefaultPlan)
	}
	if token == "" {
		t.Fatal("register returned empty token")
	}

	got, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("authenticated user = %q, want %q", got.ID, user.ID)
	}

	loginUser, loginToken, err := svc.Login(ctx, "ada@example.com", "s3cret-password")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if loginUser.ID != user.ID {
		t.Errorf("login user = %q, want %q", loginUser.ID, user.ID)
	}
	if _, err := svc.Authenticate(ctx, loginToken); err != nil {
		t.Errorf("Authenticate(login token): %v", err)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "not-an-email", "long-enough-pw", "", ""); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("bad email error = %v, want ErrInvalidEmail", err)
	}
	if _, _, err := svc.Register(ctx, "ok@example.com", "short", "", ""); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("short password error = %v, want ErrWeakPassword", err)
	}
}

func TestService_RegisterDuplicateEmail(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "dup@example.com", "password-one", "", ""); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, _, err := svc.Register(ctx, "DUP@example.com", "password-two", "", "")
	if !errors.Is(err, ErrEmailTaken) {
		t.Errorf("second Register error = %v, want ErrEmailTaken", err)
	}
}

func TestService_LoginFailures(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, _, err := svc.Register(ctx, "carol@example.com", "right-password", "", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Wrong password and unknown email fail identically.
	if _, _, err := svc.Login(ctx, "carol@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "whatever-pw"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email error = %v, want ErrInvalidCredentials", err)
	}
}

func TestService_TokenExpiry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return base })

	_, token, err := svc.Register(ctx, "dave@example.com", "dave-password", "", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Still valid just inside the 24h window.
	svc.SetClock(func() time.Time { return base.Add(23 * time.Hour) })
	if _, err := svc.Authenticate(ctx, token); err != nil {
		t.Errorf("Authenticate at 23h: %v", err)
	}

	svc.SetClock(func() time.Time { return base.Add(25 * time.Hour) })
	if _, err := svc.Authenticate(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Authenticate at 25h error = %v, want ErrInvalidToken", err)
	}
}

func TestService_TokenWrongSecret(t *testing.T) {
	store := newTestUserStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	issuer := NewService(store, []byte("secret-a"), logger)
	verifier := NewService(store, []byte("secret-b"), logger)

	user, token, err := issuer.Register(context.Background(), "eve@example.com", "eve-password", "", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := verifier.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign-key token error = %v, want ErrInvalidToken", err)
	}
	if _, err := issuer.Authenticate(context.Background(), token); err != nil {
		t.Errorf("issuer rejects its own token: %v (user %s)", err, user.ID)
	}
}

func TestService_VerifyTokenClaims(t *testing.T) {
	svc := newTestService(t)

	user, token, err := svc.Register(context.Background(), "fay@example.com", "fay-password", "", "pro")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	claims, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.Subject != user.ID {
		t.Errorf("sub = %q, want %q", claims.Subject, user.ID)
	}
	if claims.Plan != "pro" {
		t.Errorf("plan claim = %q, want pro", claims.Plan)
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)

	user, token, err := svc.Register(context.Background(), "gil@example.com", "gil-password", "", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	var gotUser *User
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc123", http.StatusUnauthorized},
		{"garbage token", "Bearer not.a.jwt", http.StatusUnauthorized},
		{"valid token", "Bearer " + token, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotUser = nil
			req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
			if tc.authHeader != "" {
				req.Header.Set("Authorization", tc.authHeader)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusOK {
				if gotUser == nil || gotUser.ID != user.ID {
					t.Errorf("context user = %+v, want %q", gotUser, user.ID)
				}
			} else if rec.Header().Get("Content-Type") != "application/json" {
				t.Errorf("error Content-Type = %q, want application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestService_AuthenticateProfileCache(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)
	cs := cache.New(context.Background(), cache.Options{Addr: mr.Addr()}, logger)
	t.Cleanup(func() { cs.Close() })

	svc := newTestService(t)
	svc.SetCache(cs)
	ctx := context.Background()

	user, token, err := svc.Register(ctx, "grace@example.com", "s3cret-password", "Grace Hopper", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := svc.Authenticate(ctx, token); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	var cached User
	if !cs.GetJSON(ctx, cache.UserKey(user.ID), &cached) {
		t.Fatal("profile not cached after first authenticate")
	}
	if cached.ID != user.ID {
		t.Errorf("cached profile ID = %q, want %q", cached.ID, user.ID)
	}

	// Subsequent lookups come from the cache, not the store.
	cached.FullName = "From Cache"
	cs.Set(ctx, cache.UserKey(user.ID), cached, cache.UserTTL)
	got, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate (cached): %v", err)
	}
	if got.FullName != "From Cache" {
		t.Errorf("FullName = %q, want the cached profile", got.FullName)
	}
}
