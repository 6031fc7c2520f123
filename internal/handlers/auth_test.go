package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tribihq/tribi/internal/config"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func testHandlers() *Handlers {
	return &Handlers{
		config: &config.Config{AuthJWTSecret: testJWTSecret},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func signToken(t *testing.T, secret string, claims authClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestRequireUserAcceptsValidToken(t *testing.T) {
	t.Parallel()

	h := testHandlers()
	userID := uuid.New()

	var gotUser *AuthUser
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserFromContext(r.Context())
	})

	token := signToken(t, testJWTSecret, authClaims{
		Email: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/orders/mine", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.RequireUser(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotUser == nil || gotUser.ID != userID {
		t.Fatalf("user = %+v, want id %s", gotUser, userID)
	}
	if gotUser.Email != "user@example.com" {
		t.Fatalf("email = %q", gotUser.Email)
	}
}

func TestRequireUserRejectsBadTokens(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	validClaims := authClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{
			name:  "missing header",
			token: func(t *testing.T) string { return "" },
		},
		{
			name: "wrong secret",
			token: func(t *testing.T) string {
				return signToken(t, "another-secret-that-is-long-enough!", validClaims)
			},
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				return signToken(t, testJWTSecret, authClaims{
					RegisteredClaims: jwt.RegisteredClaims{
						Subject:   userID.String(),
						ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
					},
				})
			},
		},
		{
			name: "non-uuid subject",
			token: func(t *testing.T) string {
				return signToken(t, testJWTSecret, authClaims{
					RegisteredClaims: jwt.RegisteredClaims{
						Subject:   "not-a-uuid",
						ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
					},
				})
			},
		},
		{
			name: "unsigned token",
			token: func(t *testing.T) string {
				token, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims).SignedString(jwt.UnsafeAllowNoneSignatureType)
				if err != nil {
					t.Fatalf("failed to build token: %v", err)
				}
				return token
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := testHandlers()
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Errorf("next handler must not run")
			})

			req := httptest.NewRequest(http.MethodGet, "/orders/mine", nil)
			if token := tt.token(t); token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			rec := httptest.NewRecorder()
			h.RequireUser(next).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}
}
