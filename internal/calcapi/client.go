// Package calcapi is a typed client for the remote motor premium calculation
// service.
package calcapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/pitabwire/quotedesk/internal/config"
	"github.com/pitabwire/quotedesk/internal/observability"
	"github.com/pitabwire/quotedesk/model"
)

// Operation names, used for metrics, spans and contract checks.
const (
	OpCreateComplete      = "CreateComplete"
	OpRecalculateComplete = "RecalculateComplete"
	OpGetBreakdown        = "GetBreakdown"
	OpBasicPremium        = "BasicPremium"
	OpApplyDiscounts      = "ApplyDiscounts"
	OpApplyLoadings       = "ApplyLoadings"
	OpFinalPremium        = "FinalPremium"
	OpAggregateVehicles   = "AggregateVehicles"
	OpProposalAdjustments = "ProposalAdjustments"
	OpFinalCalculation    = "FinalCalculation"
)

// Endpoint is a method and path template on the calculation service.
type Endpoint struct {
	Method string
	Path   string
}

// Endpoints lists every operation the client calls. {proposalNo} is
// substituted per call.
var Endpoints = map[string]Endpoint{
	OpCreateComplete:      {http.MethodPost, "/Quotation/{proposalNo}/calculate/motor/complete"},
	OpRecalculateComplete: {http.MethodPut, "/Quotation/{proposalNo}/calculate/motor/complete"},
	OpGetBreakdown:        {http.MethodGet, "/Quotation/{proposalNo}/motor/calculation/breakdown"},
	OpBasicPremium:        {http.MethodPost, "/Quotation/motor/calculate/step1-basic-premium"},
	OpApplyDiscounts:      {http.MethodPost, "/Quotation/motor/calculate/step2-apply-discounts"},
	OpApplyLoadings:       {http.MethodPost, "/Quotation/motor/calculate/step3-apply-loadings"},
	OpFinalPremium:        {http.MethodPost, "/Quotation/motor/calculate/step4-final-premium"},
	OpAggregateVehicles:   {http.MethodPost, "/Quotation/motor/calculate/step5-aggregate-vehicles"},
	OpProposalAdjustments: {http.MethodPost, "/Quotation/motor/calculate/step6-proposal-adjustments"},
	OpFinalCalculation:    {http.MethodPost, "/Quotation/motor/calculate/step7-final-calculation"},
}

var stepOperations = map[model.PremiumStep]string{
	model.StepBasicPremium:   OpBasicPremium,
	model.StepApplyDiscounts: OpApplyDiscounts,
	model.StepApplyLoadings:  OpApplyLoadings,
	model.StepFinalPremium:   OpFinalPremium,
}

const maxResponseBytes = 10 << 20

// redactedFields identify a physical vehicle and stay out of debug logs.
var redactedFields = []string{"chassisNo", "engineNo"}

// Client calls the calculation service. It is safe for concurrent use.
type Client struct {
	baseURL  string
	http     *http.Client
	breaker  *CircuitBreaker
	retry    config.RetryConfig
	metrics  *observability.Metrics
	logger   *zap.Logger
	contract *Contract
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Its transport is
// wrapped with AuthTransport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records request metrics and breaker state.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithContract checks outgoing bodies against the service's OpenAPI
// document before sending.
func WithContract(ct *Contract) Option {
	return func(c *Client) { c.contract = ct }
}

// New creates a client for the configured service.
func New(cfg config.CalcAPIConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewCircuitBreaker(
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.SuccessThreshold,
			cfg.CircuitBreaker.Timeout,
		),
		retry:  cfg.Retry,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	hc := *c.http
	hc.Transport = NewAuthTransport(hc.Transport)
	c.http = &hc

	c.breaker.OnStateChange(func(s BreakerState) {
		c.metrics.SetBackendCircuitBreakerState(breakerGauge(s))
		c.logger.Warn("calculation service circuit breaker changed state", zap.String("state", s.String()))
	})

	return c
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// HealthCheck fails while the circuit breaker is open.
func (c *Client) HealthCheck(context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// CreateComplete creates the first complete calculation for a proposal.
func (c *Client) CreateComplete(ctx context.Context, proposalNo string, req model.CompleteCalculationRequest) (*model.CompleteCalculationResult, error) {
	var out model.CompleteCalculationResult
	if err := c.do(ctx, OpCreateComplete, proposalNo, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecalculateComplete replaces the complete calculation for a proposal.
func (c *Client) RecalculateComplete(ctx context.Context, proposalNo string, req model.CompleteCalculationRequest) (*model.CompleteCalculationResult, error) {
	var out model.CompleteCalculationResult
	if err := c.do(ctx, OpRecalculateComplete, proposalNo, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBreakdown fetches the authoritative per-step trace for a proposal.
func (c *Client) GetBreakdown(ctx context.Context, proposalNo string) (*model.CalculationBreakdown, error) {
	var out model.CalculationBreakdown
	if err := c.do(ctx, OpGetBreakdown, proposalNo, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunStep calls one of the four per-vehicle steps.
func (c *Client) RunStep(ctx context.Context, step model.PremiumStep, req model.StepRequest) (*model.StepTrace, error) {
	op, ok := stepOperations[step]
	if !ok {
		return nil, fmt.Errorf("calcapi: unknown step %d", step)
	}
	var out model.StepTrace
	err := c.do(ctx, op, "", req, &out)
	if err != nil {
		// A rejected loadings step is reported without the service's message.
		if step == model.StepApplyLoadings && isStatus(err, http.StatusBadRequest) {
			return nil, model.NewCalculationFailedError("Loadings could not be applied to this vehicle", nil)
		}
		return nil, err
	}
	if out.Step == 0 {
		out.Step = step
	}
	if out.Name == "" {
		out.Name = step.Title()
	}
	return &out, nil
}

// AggregateVehicles runs step 5.
func (c *Client) AggregateVehicles(ctx context.Context, req model.AggregateRequest) (*model.VehicleAggregate, error) {
	var out model.VehicleAggregate
	if err := c.do(ctx, OpAggregateVehicles, "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplyProposalAdjustments runs step 6.
func (c *Client) ApplyProposalAdjustments(ctx context.Context, req model.ProposalAdjustmentRequest) (*model.ProposalTotals, error) {
	var out model.ProposalTotals
	if err := c.do(ctx, OpProposalAdjustments, "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FinalCalculation runs step 7.
func (c *Client) FinalCalculation(ctx context.Context, req model.FinalCalculationRequest) (*model.ProposalTotals, error) {
	var out model.ProposalTotals
	if err := c.do(ctx, OpFinalCalculation, "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// statusError carries the HTTP status behind a mapped envelope so callers
// can special-case individual codes.
type statusError struct {
	status   int
	envelope *model.ErrorEnvelope
}

func (e *statusError) Error() string { return e.envelope.Error() }

func (e *statusError) Unwrap() error { return e.envelope }

func isStatus(err error, status int) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == status
}

// StatusCode returns the remote HTTP status behind err, or 0.
func StatusCode(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.status
	}
	return 0
}

func (c *Client) do(ctx context.Context, op, proposalNo string, body, out any) error {
	ep := Endpoints[op]
	path := strings.ReplaceAll(ep.Path, "{proposalNo}", url.PathEscape(proposalNo))

	ctx, span := observability.StartClientSpan(ctx, op, ep.Method, path)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			err = fmt.Errorf("calcapi: marshal %s: %w", op, err)
			return err
		}
		if c.contract != nil {
			if err = c.checkContract(op, payload); err != nil {
				return err
			}
		}
		if ce := c.logger.Check(zap.DebugLevel, "calcapi: request"); ce != nil {
			var fields map[string]any
			if json.Unmarshal(payload, &fields) == nil {
				ce.Write(zap.String("operation", op), zap.Any("body", observability.RedactBody(fields, redactedFields)))
			}
		}
	}

	var respBody []byte
	respBody, err = c.executeWithRetry(ctx, op, ep.Method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		if uerr := json.Unmarshal(respBody, out); uerr != nil {
			err = fmt.Errorf("calcapi: decode %s response: %w", op, uerr)
			return err
		}
	}
	return nil
}

func (c *Client) checkContract(op string, payload []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}
	if errs := c.contract.RequiredFields(op, fields); len(errs) > 0 {
		return model.NewValidationError(errs)
	}
	return nil
}

func (c *Client) executeWithRetry(ctx context.Context, op, method, reqURL string, payload []byte) ([]byte, error) {
	maxAttempts := c.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	canRetry := isIdempotentMethod(method) || !c.retry.IdempotentOnly

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordBackendRetry(op)
			select {
			case <-ctx.Done():
				return nil, model.NewBackendTimeoutError()
			case <-time.After(calculateBackoff(c.retry, attempt)):
			}
		}

		body, status, err := c.executeOnce(ctx, op, method, reqURL, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !canRetry || !isRetryable(status, err) {
			return nil, err
		}
		c.logger.Debug("calcapi: retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max", maxAttempts),
			zap.Int("status", status),
		)
	}
	return nil, lastErr
}

// executeOnce performs one request. status is 0 when no response arrived.
func (c *Client) executeOnce(ctx context.Context, op, method, reqURL string, payload []byte) (respBody []byte, status int, err error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, 0, model.NewBackendUnavailableError()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("calcapi: build request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordBackendRequest(op, 0, time.Since(start))
		if ctx.Err() != nil || isTimeout(err) {
			return nil, 0, model.NewBackendTimeoutError()
		}
		c.logger.Error("calcapi: request failed", zap.String("operation", op), zap.Error(err))
		return nil, 0, model.NewBackendUnavailableError()
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordBackendRequest(op, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return nil, resp.StatusCode, fmt.Errorf("calcapi: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
	default:
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, resp.StatusCode, nil
	}

	env := mapStatus(resp.StatusCode, respBody)
	if resp.StatusCode >= 500 {
		c.logger.Error("calcapi: service error", zap.String("operation", op), zap.Int("status", resp.StatusCode))
	} else {
		c.logger.Warn("calcapi: request rejected",
			zap.String("operation", op),
			zap.Int("status", resp.StatusCode),
			zap.String("message", env.Message),
		)
	}
	return nil, resp.StatusCode, &statusError{status: resp.StatusCode, envelope: env}
}

// remoteError accepts both {"message": ..., "errors": [...]} and the
// problem-details form {"title": ..., "errors": {"Field": ["msg"]}}.
type remoteError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Title   string          `json:"title"`
	Detail  string          `json:"detail"`
	Errors  json.RawMessage `json:"errors"`
	Details json.RawMessage `json:"details"`
}

func (r remoteError) message() string {
	for _, s := range []string{r.Message, r.Detail, r.Title} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (r remoteError) fieldErrors() []model.FieldError {
	for _, raw := range []json.RawMessage{r.Errors, r.Details} {
		if len(raw) == 0 {
			continue
		}
		var list []model.FieldError
		if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
			return list
		}
		var byField map[string][]string
		if err := json.Unmarshal(raw, &byField); err == nil && len(byField) > 0 {
			out := make([]model.FieldError, 0, len(byField))
			for field, msgs := range byField {
				for _, m := range msgs {
					out = append(out, model.FieldError{Field: field, Code: "INVALID", Message: m})
				}
			}
			return out
		}
	}
	return nil
}

// mapStatus converts a non-2xx response into an error envelope.
func mapStatus(status int, body []byte) *model.ErrorEnvelope {
	var re remoteError
	_ = json.Unmarshal(body, &re)

	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return model.NewCalculationFailedError(re.message(), re.fieldErrors())
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		// A 401 or 403 from the caller's own BFF would read as its session ending.
		env := model.NewBackendUnavailableError()
		env.Message = "The calculation service refused the request credentials"
		return env
	case status == http.StatusNotFound:
		return model.NewNotFoundError("Proposal not found at the calculation service")
	case status == http.StatusConflict:
		return model.NewConflictError(firstNonEmpty(re.message(), "The calculation service reported a conflict"))
	case status == http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError()
	case status >= 500:
		return model.NewBackendUnavailableError()
	default:
		return model.NewCalculationFailedError(re.message(), re.fieldErrors())
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// isRetryable retries gateway-class statuses and transport failures, never
// an open breaker or a client error.
func isRetryable(status int, err error) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	case 0:
		ee, ok := model.AsEnvelope(err)
		return ok && ee.Code == model.ErrBackendTimeout
	}
	return false
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}

func breakerGauge(s BreakerState) float64 {
	switch s {
	case BreakerOpen:
		return observability.CircuitOpen
	case BreakerHalfOpen:
		return observability.CircuitHalfOpen
	default:
		return observability.CircuitClosed
	}
}
