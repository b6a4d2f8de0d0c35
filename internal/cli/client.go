package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/pitabwire/quotedesk/internal/breakdown"
	"github.com/pitabwire/quotedesk/internal/quotation"
	"github.com/pitabwire/quotedesk/model"
)

// Client calls the quotedesk HTTP API on behalf of an operator.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL. token is sent as a
// bearer credential when set.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) quotationURL(proposalNo, suffix string) string {
	return c.baseURL + "/ui/quotations/" + url.PathEscape(proposalNo) + suffix
}

// Breakdown fetches the rendered breakdown of a proposal.
func (c *Client) Breakdown(ctx context.Context, proposalNo string, mode breakdown.Mode) (breakdown.View, error) {
	var view breakdown.View
	u := c.quotationURL(proposalNo, "/breakdown?view="+url.QueryEscape(string(mode)))
	_, err := c.do(ctx, http.MethodGet, u, nil, &view)
	return view, err
}

// Calculate runs a complete calculation. A non-empty key makes the request
// idempotent.
func (c *Client) Calculate(ctx context.Context, proposalNo, idempotencyKey string) (*quotation.Calculation, error) {
	var out quotation.Calculation
	hdr := http.Header{}
	if idempotencyKey != "" {
		hdr.Set("X-Idempotency-Key", idempotencyKey)
	}
	resp, err := c.do(ctx, http.MethodPost, c.quotationURL(proposalNo, "/calculate"), hdr, &out)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get("X-Idempotent-Replay") == "true" {
		out.Replayed = true
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, u string, hdr http.Header, out any) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error *model.ErrorEnvelope `json:"error"`
		}
		if jerr := json.Unmarshal(body, &envelope); jerr == nil && envelope.Error != nil {
			return resp, envelope.Error
		}
		return resp, fmt.Errorf("%s %s: unexpected status %d: %s", method, u, resp.StatusCode, bytes.TrimSpace(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, nil
}
