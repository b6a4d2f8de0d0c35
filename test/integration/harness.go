// Package integration provides a reusable test harness for end-to-end
// integration testing of the quotedesk server. It starts the full HTTP
// stack with a mock calculation service, in-memory stores, and a test JWT
// issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/quotedesk/internal/calcapi"
	"github.com/pitabwire/quotedesk/internal/config"
	"github.com/pitabwire/quotedesk/internal/quotation"
	"github.com/pitabwire/quotedesk/internal/session"
	"github.com/pitabwire/quotedesk/internal/transport"
)

// TestHarness encapsulates a fully wired quotedesk instance with a mock
// calculation service for integration testing.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	backend *MockBackend

	// Internal components exposed for advanced test scenarios.
	Store            *session.MemoryStore
	IdempotencyStore *quotation.MemoryIdempotencyStore
	Calc             *calcapi.Client
	Service          *quotation.Service

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	idempotencyEnabled bool
	handlerTimeout     time.Duration
	calcTimeout        time.Duration
	circuitBreaker     config.CircuitBreakerConfig
	retry              config.RetryConfig
}

// WithIdempotency enables idempotent calculation replay with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotencyEnabled = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithCalcTimeout sets the calculation service HTTP client timeout.
func WithCalcTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.calcTimeout = d
	}
}

// WithCircuitBreaker overrides the calculation client's breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.circuitBreaker = cb
	}
}

// WithRetry overrides the calculation client's retry settings.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = r
	}
}

// NewTestHarness creates and starts a full quotedesk test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		calcTimeout:    5 * time.Second,
		circuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 50,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		retry: config.RetryConfig{
			MaxAttempts:    1,
			IdempotentOnly: true,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{
		t:      t,
		issuer: newTokenIssuer(),
	}

	// Step 1: Mock calculation service.
	h.backend = newMockBackend(t)

	// Step 2: Config. The signing secret travels through the environment
	// the same way it does in production.
	t.Setenv(testSecretEnv, string(h.issuer.secret))
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		SecretEnv:  testSecretEnv,
		Algorithms: []string{"HS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"tenant_id":  "tenant_id",
			"email":      "email",
			"roles":      "roles",
		},
	}
	h.cfg.CalcAPI = config.CalcAPIConfig{
		BaseURL:        h.backend.URL(),
		Timeout:        hc.calcTimeout,
		CircuitBreaker: hc.circuitBreaker,
		Retry:          hc.retry,
	}

	// Step 3: Calculation client and stores.
	h.Calc = calcapi.New(h.cfg.CalcAPI)
	h.Store = session.NewMemoryStore()
	h.IdempotencyStore = quotation.NewMemoryIdempotencyStore()

	// Step 4: Quotation service.
	svcOpts := []quotation.Option{
		quotation.WithSessionTTL(time.Hour),
		quotation.WithComputingTimeout(time.Minute),
	}
	if hc.idempotencyEnabled {
		svcOpts = append(svcOpts, quotation.WithIdempotency(h.IdempotencyStore, time.Hour))
	}
	h.Service = quotation.NewService(h.Store, h.Calc, svcOpts...)

	// Step 5: Router with the full middleware chain.
	authenticate, err := transport.JWTAuthenticator(h.cfg.Identity, h.cfg.Identity.Secret())
	if err != nil {
		t.Fatalf("build authenticator: %v", err)
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Service:      h.Service,
		Authenticate: authenticate,
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Backend returns the mock calculation service.
func (h *TestHarness) Backend() *MockBackend {
	return h.backend
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateForeignToken creates a JWT signed with an unknown secret.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.GenerateForeignToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPatch, path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodDelete, path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// UnderwriterClaims returns TestClaims for an underwriter at the default tenant.
func UnderwriterClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-underwriter",
		TenantID:  "lagos-branch",
		Email:     "underwriter@insurer.example.com",
		Roles:     []string{"underwriter"},
	}
}

// OtherTenantClaims returns TestClaims for a user at a different tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-abuja",
		TenantID:  "abuja-branch",
		Email:     "agent@insurer.example.com",
		Roles:     []string{"agent"},
	}
}

// --- Fixtures ---

// QuotationPath returns the route for a proposal, with an optional suffix.
func QuotationPath(proposalNo, suffix string) string {
	return "/ui/quotations/" + proposalNo + suffix
}

// VehicleFixture returns a vehicle request body.
func VehicleFixture(id, registrationNo string, value int) map[string]any {
	return map[string]any{
		"id":             id,
		"registrationNo": registrationNo,
		"make":           "Toyota",
		"model":          "Corolla",
		"year":           2021,
		"vehicleType":    "saloon",
		"coverType":      "comprehensive",
		"usage":          "private",
		"vehicleValue":   value,
		"premiumRate":    3,
		"discounts": []map[string]any{
			{"name": "No Claim", "type": "discount", "rate": 10, "appliedOn": "premium", "sequenceOrder": 1},
		},
		"loadings": []map[string]any{},
	}
}

// CompleteResultFixture returns a complete calculation response where each
// vehicle value is rated at 3% less a 10% discount.
func CompleteResultFixture(proposalNo string, values ...float64) map[string]any {
	vehicles := make([]map[string]any, 0, len(values))
	var totalSI, totalPremium float64
	for _, v := range values {
		basic := v * 3 / 100
		discount := basic / 10
		final := basic - discount
		totalSI += v
		totalPremium += final
		vehicles = append(vehicles, map[string]any{
			"coverType":             "comprehensive",
			"vehicleValue":          v,
			"premiumRate":           3,
			"discounts":             []any{},
			"loadings":              []any{},
			"basicPremium":          basic,
			"totalDiscount":         discount,
			"premiumAfterDiscounts": final,
			"totalLoading":          0,
			"premiumAfterLoadings":  final,
			"finalPremium":          final,
		})
	}
	return map[string]any{
		"proposalNo": proposalNo,
		"vehicles":   vehicles,
		"totals":     totalsFixture(totalSI, totalPremium),
	}
}

// BreakdownFixture returns a breakdown response matching CompleteResultFixture.
func BreakdownFixture(proposalNo string, values ...float64) map[string]any {
	vehicles := make([]map[string]any, 0, len(values))
	var totalSI, totalPremium float64
	for i, v := range values {
		basic := v * 3 / 100
		discount := basic / 10
		final := basic - discount
		totalSI += v
		totalPremium += final
		vehicles = append(vehicles, map[string]any{
			"vehicleIndex":   i,
			"registrationNo": fmt.Sprintf("LAG-%03dAA", i+1),
			"description":    "Toyota Corolla",
			"sumInsured":     v,
			"steps": []map[string]any{
				{"step": 1, "name": "Basic Premium", "startingAmount": v, "adjustments": []any{}, "totalAdjustment": 0, "resultingAmount": basic},
				{"step": 2, "name": "Premium After Discounts", "startingAmount": basic, "adjustments": []any{
					map[string]any{"name": "No Claim", "type": "discount", "rate": 10, "amount": discount, "sequenceOrder": 1},
				}, "totalAdjustment": discount, "resultingAmount": final},
				{"step": 3, "name": "Premium After Loadings", "startingAmount": final, "adjustments": []any{}, "totalAdjustment": 0, "resultingAmount": final},
				{"step": 4, "name": "Final Premium", "startingAmount": final, "adjustments": []any{}, "totalAdjustment": 0, "resultingAmount": final},
			},
		})
	}
	return map[string]any{
		"proposalNo": proposalNo,
		"vehicles":   vehicles,
		"totals":     totalsFixture(totalSI, totalPremium),
	}
}

func totalsFixture(sumInsured, premium float64) map[string]any {
	return map[string]any{
		"totalSumInsured":           sumInsured,
		"totalPremium":              premium,
		"proRataPremium":            premium,
		"shareSumInsured":           sumInsured,
		"sharePremium":              premium,
		"foreignCurrencySumInsured": sumInsured,
		"foreignCurrencyPremium":    premium,
		"currency":                  "NGN",
		"exchangeRate":              1,
	}
}

// StepFixture returns a granular step response.
func StepFixture(step int, name string, starting, resulting float64) map[string]any {
	return map[string]any{
		"step":            step,
		"name":            name,
		"startingAmount":  starting,
		"adjustments":     []any{},
		"totalAdjustment": starting - resulting,
		"resultingAmount": resulting,
	}
}

// ErrorFixture returns an error body in the calculation service's shape.
func ErrorFixture(message string) map[string]any {
	return map[string]any{"message": message}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
