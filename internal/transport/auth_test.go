package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/quotedesk/internal/config"
	"github.com/pitabwire/quotedesk/model"
)

var testSecret = []byte("quotedesk-test-secret-0123456789abcdef")

func signHS(t *testing.T, method jwt.SigningMethod, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "quotedesk",
		Algorithms: []string{"HS256"},
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":       "user-1",
		"tenant_id": "tenant-1",
		"email":     "underwriter@example.com",
		"roles":     []any{"underwriter"},
		"iss":       "https://auth.example.com",
		"aud":       "quotedesk",
		"exp":       jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"iat":       jwt.NewNumericDate(time.Now()),
	}
}

func mustAuthenticator(t *testing.T, cfg config.IdentityConfig) func(http.Handler) http.Handler {
	t.Helper()
	auth, err := JWTAuthenticator(cfg, testSecret)
	if err != nil {
		t.Fatalf("JWTAuthenticator: %v", err)
	}
	return auth
}

func serveWithToken(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Message
}

func rejectingHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})
}

func TestJWTAuthenticator_emptySecret(t *testing.T) {
	_, err := JWTAuthenticator(testIdentityCfg(), nil)
	if !errors.Is(err, ErrNoSecret) {
		t.Errorf("err = %v, want ErrNoSecret", err)
	}
}

func TestJWTAuthenticator_validToken(t *testing.T) {
	tokenStr := signHS(t, jwt.SigningMethodHS256, testSecret, validClaims())

	handler := mustAuthenticator(t, testIdentityCfg())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFrom(r.Context())
		if claims == nil {
			t.Fatal("claims should be in context")
		}
		if sub, _ := claims["sub"].(string); sub != "user-1" {
			t.Errorf("sub = %q, want user-1", sub)
		}
		if got := TokenFrom(r.Context()); got != tokenStr {
			t.Errorf("token not stored in context")
		}
		w.WriteHeader(200)
	}))

	w := serveWithToken(handler, tokenStr)
	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestJWTAuthenticator_missingAuthHeader(t *testing.T) {
	handler := mustAuthenticator(t, testIdentityCfg())(rejectingHandler(t))

	w := serveWithToken(handler, "")
	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if msg := errorMessage(t, w); msg != "Missing authorization header" {
		t.Errorf("message = %q", msg)
	}
}

func TestJWTAuthenticator_invalidFormat(t *testing.T) {
	handler := mustAuthenticator(t, testIdentityCfg())(rejectingHandler(t))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestJWTAuthenticator_expiredToken(t *testing.T) {
	handler := mustAuthenticator(t, testIdentityCfg())(rejectingHandler(t))

	claims := validClaims()
	claims["exp"] = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))

	w := serveWithToken(handler, signHS(t, jwt.SigningMethodHS256, testSecret, claims))
	if w.Code != 401 {
		t.Errorf("status = %d, want 401 for expired token", w.Code)
	}
	if msg := errorMessage(t, w); msg != "Token expired" {
		t.Errorf("message = %q, want Token expired", msg)
	}
}

func TestJWTAuthenticator_wrongSecret(t *testing.T) {
	handler := mustAuthenticator(t, testIdentityCfg())(rejectingHandler(t))

	w := serveWithToken(handler, signHS(t, jwt.SigningMethodHS256, []byte("another-secret"), validClaims()))
	if w.Code != 401 {
		t.Errorf("status = %d, want 401 for wrong secret", w.Code)
	}
	if msg := errorMessage(t, w); msg != "Invalid token signature" {
		t.Errorf("message = %q, want Invalid token signature", msg)
	}
}

func TestJWTAuthenticator_wrongIssuer(t *testing.T) {
	handler := mustAuthenticator(t, testIdentityCfg())(rejectingHandler(t))

	claims := validClaims()
	claims["iss"] = "https://evil.example.com"

	w := serveWithToken(handler, signHS(t, jwt.SigningMethodHS256, testSecret, claims))
	if w.Code != 401 {
		t.Errorf("status = %d, want 401 for wrong issuer", w.Code)
	}
}

func TestJWTAuthenticator_wrongAudience(t *testing.T) {
	handler := mustAuthenticator(t, testIdentityCfg())(rejectingHandler(t))

	claims := validClaims()
	claims["aud"] = "wrong-audience"

	w := serveWithToken(handler, signHS(t, jwt.SigningMethodHS256, testSecret, claims))
	if w.Code != 401 {
		t.Errorf("status = %d, want 401 for wrong audience", w.Code)
	}
}

func TestJWTAuthenticator_issuerOptional(t *testing.T) {
	cfg := testIdentityCfg()
	cfg.Issuer = ""
	cfg.Audience = ""
	handler := mustAuthenticator(t, cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	claims := validClaims()
	delete(claims, "iss")
	delete(claims, "aud")

	w := serveWithToken(handler, signHS(t, jwt.SigningMethodHS256, testSecret, claims))
	if w.Code != 200 {
		t.Errorf("status = %d, want 200 when issuer and audience are not configured", w.Code)
	}
}

func TestJWTAuthenticator_disallowedAlgorithm(t *testing.T) {
	handler := mustAuthenticator(t, testIdentityCfg())(rejectingHandler(t))

	w := serveWithToken(handler, signHS(t, jwt.SigningMethodHS384, testSecret, validClaims()))
	if w.Code != 401 {
		t.Errorf("status = %d, want 401 for disallowed algorithm", w.Code)
	}
	if msg := errorMessage(t, w); msg != "Disallowed signing algorithm" {
		t.Errorf("message = %q, want Disallowed signing algorithm", msg)
	}
}

func TestJWTAuthenticator_missingExpClaim(t *testing.T) {
	handler := mustAuthenticator(t, testIdentityCfg())(rejectingHandler(t))

	claims := validClaims()
	delete(claims, "exp")

	w := serveWithToken(handler, signHS(t, jwt.SigningMethodHS256, testSecret, claims))
	if w.Code != 401 {
		t.Errorf("status = %d, want 401 for missing exp claim", w.Code)
	}
}

func TestJWTAuthenticator_clockSkewTolerance(t *testing.T) {
	handler := mustAuthenticator(t, testIdentityCfg())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	// Expired 15 seconds ago, inside the 30s leeway.
	claims := validClaims()
	claims["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second))

	w := serveWithToken(handler, signHS(t, jwt.SigningMethodHS256, testSecret, claims))
	if w.Code != 200 {
		t.Errorf("status = %d, want 200 (token within clock skew tolerance)", w.Code)
	}
}
