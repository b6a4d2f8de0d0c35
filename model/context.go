package model

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Headers forwarded to the calculation service on behalf of the caller.
const (
	HeaderAuthorization = "Authorization"
	HeaderTenantID      = "X-Tenant-Id"
	HeaderCorrelationID = "X-Correlation-Id"
)

// RequestContext is the verified identity of the underwriter or agent behind
// a request. Sessions, locks and idempotency keys are scoped by TenantID.
// It is not modified after the auth middleware builds it.
type RequestContext struct {
	SubjectID     string
	Email         string
	TenantID      string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string

	// Token is the verified bearer token, forwarded unchanged to the
	// calculation service.
	Token string
}

// Validate requires a subject and a tenant. The tenant is part of store and
// idempotency keys joined with ':', so it may not contain one.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, errors.New("subject id is required"))
	}
	switch {
	case rc.TenantID == "":
		errs = append(errs, errors.New("tenant id is required"))
	case strings.ContainsAny(rc.TenantID, ":\r\n"):
		errs = append(errs, errors.New("tenant id contains a reserved character"))
	}
	return errors.Join(errs...)
}

// ForwardHeaders returns the identity headers sent upstream for this caller.
// Empty values are left out and CR/LF are stripped from the rest.
func (rc *RequestContext) ForwardHeaders() http.Header {
	h := http.Header{}
	if rc == nil {
		return h
	}
	if rc.Token != "" {
		h.Set(HeaderAuthorization, "Bearer "+stripCRLF(rc.Token))
	}
	if rc.TenantID != "" {
		h.Set(HeaderTenantID, stripCRLF(rc.TenantID))
	}
	if rc.CorrelationID != "" {
		h.Set(HeaderCorrelationID, stripCRLF(rc.CorrelationID))
	}
	return h
}

var crlf = strings.NewReplacer("\r", "", "\n", "")

func stripCRLF(s string) string { return crlf.Replace(s) }

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the caller attached to ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
