package calcapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/quotedesk/model"
)

type captureTransport struct{ req *http.Request }

func (c *captureTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.req = r
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
}

func TestAuthTransport_setsHeaders(t *testing.T) {
	base := &captureTransport{}
	tr := NewAuthTransport(base)

	req := httptest.NewRequest(http.MethodPost, "http://calc.local/api/x", strings.NewReader("{}"))
	req = req.WithContext(testRequestContext())

	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	got := base.req.Header
	checks := map[string]string{
		"Authorization":    "Bearer tok-123",
		"X-Tenant-Id":      "tenant-1",
		"X-Correlation-Id": "corr-1",
		"Accept":           "application/json",
		"Content-Type":     "application/json",
	}
	for k, want := range checks {
		if got.Get(k) != want {
			t.Errorf("%s = %q, want %q", k, got.Get(k), want)
		}
	}
	if req.Header.Get("Authorization") != "" {
		t.Error("original request was mutated")
	}
}

func TestAuthTransport_noIdentity(t *testing.T) {
	base := &captureTransport{}
	tr := NewAuthTransport(base)

	req := httptest.NewRequest(http.MethodGet, "http://calc.local/api/x", nil)
	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if base.req.Header.Get("Authorization") != "" {
		t.Error("Authorization set without a request context")
	}
}

func TestAuthTransport_stripsCRLF(t *testing.T) {
	base := &captureTransport{}
	tr := NewAuthTransport(base)

	ctx := model.WithRequestContext(t.Context(), &model.RequestContext{
		SubjectID: "a", TenantID: "t1\r\nX-Evil: 1", Token: "tok",
	})
	req := httptest.NewRequest(http.MethodGet, "http://calc.local/api/x", nil).WithContext(ctx)
	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if got := base.req.Header.Get("X-Tenant-Id"); got != "t1X-Evil: 1" {
		t.Errorf("X-Tenant-Id = %q", got)
	}
}
