package calcapi

import (
	"net/http"

	"github.com/pitabwire/quotedesk/internal/observability"
	"github.com/pitabwire/quotedesk/model"
)

// AuthTransport attaches the caller's credentials and correlation headers to
// every outbound request. It is the only place the client sets identity
// headers; endpoint methods never touch them.
type AuthTransport struct {
	Base http.RoundTripper
}

// NewAuthTransport wraps base, or http.DefaultTransport when base is nil.
func NewAuthTransport(base http.RoundTripper) *AuthTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &AuthTransport{Base: base}
}

// RoundTrip implements http.RoundTripper. The request is cloned before
// headers are added.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())

	out.Header.Set("Accept", "application/json")
	if out.Body != nil && out.Body != http.NoBody && out.Header.Get("Content-Type") == "" {
		out.Header.Set("Content-Type", "application/json")
	}

	for k, v := range model.RequestContextFrom(req.Context()).ForwardHeaders() {
		out.Header[k] = v
	}
	observability.InjectTraceHeaders(req.Context(), out.Header)

	return t.Base.RoundTrip(out)
}
