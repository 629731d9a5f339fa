package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTAuth_ParseToken(t *testing.T) {
	auth := NewJWTAuth("secret")
	user := uuid.New()

	tok, err := auth.IssueToken(user, time.Hour)
	require.NoError(t, err)
	got, err := auth.ParseToken(tok)
	require.NoError(t, err)
	assert.Equal(t, user, got)

	expired, err := auth.IssueToken(user, -time.Minute)
	require.NoError(t, err)
	_, err = auth.ParseToken(expired)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = NewJWTAuth("other").ParseToken(tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestJWTAuth_Middleware(t *testing.T) {
	auth := NewJWTAuth("secret")
	user := uuid.New()
	tok, err := auth.IssueToken(user, time.Hour)
	require.NoError(t, err)

	var seen uuid.UUID
	h := RequestID(auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetUserID(r.Context())
	})))

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantErr  string
	}{
		{"valid", "Bearer " + tok, http.StatusOK, ""},
		{"missing", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"wrong scheme", "Token " + tok, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"garbage", "Bearer nope", http.StatusUnauthorized, "UNAUTHORIZED"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.wantCode, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
			if tc.wantErr == "" {
				assert.Equal(t, user, seen)
				return
			}
			var body struct {
				Error struct {
					Code      string `json:"code"`
					RequestID string `json:"request_id"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.wantErr, body.Error.Code)
			assert.Equal(t, rec.Header().Get("X-Request-Id"), body.Error.RequestID)
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return t0 }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "keys are independent")

	rl.now = func() time.Time { return t0.Add(2 * time.Minute) }
	assert.True(t, rl.Allow("a"), "window expired")

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithUserID(req.Context(), uuid.New()))
	codes := []int{}
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCORS(t *testing.T) {
	h := CORS("https://app.example.com, https://admin.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	tests := []struct {
		name       string
		method     string
		origin     string
		preflight  bool
		wantCode   int
		wantOrigin string
	}{
		{"allowed origin", http.MethodGet, "https://app.example.com", false, http.StatusTeapot, "https://app.example.com"},
		{"other origin", http.MethodGet, "https://evil.example.com", false, http.StatusTeapot, ""},
		{"preflight", http.MethodOptions, "https://admin.example.com", true, http.StatusNoContent, "https://admin.example.com"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/api/v1/sessions", nil)
			req.Header.Set("Origin", tc.origin)
			if tc.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.wantCode, rec.Code)
			assert.Equal(t, tc.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}
