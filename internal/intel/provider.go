package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Provider is one external threat-intelligence source. Lookup returns
// (nil, nil) when the provider has no data for the indicator; that source is
// then excluded from aggregation rather than treated as zero.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, iocType IOCType, value string) (*SourceScore, error)
}

// TransientError marks a provider failure that was retried and may succeed
// later (timeout, 5xx). The aggregator omits the source and degrades.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return "provider " + e.Provider + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// HTTPProvider queries a JSON threat-intel API of the common
// GET /v1/indicator?type=...&value=... shape.
type HTTPProvider struct {
	name       string
	endpoint   string
	apiKey     string
	httpClient *http.Client
	maxRetries uint64
}

// NewHTTPProvider creates a provider client. The timeout bounds a single
// attempt; transient failures are retried with exponential backoff.
func NewHTTPProvider(name, endpoint, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:       name,
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: 2,
	}
}

// Name returns the configured source identity used for aggregation weights.
func (p *HTTPProvider) Name() string { return p.name }

type providerResponse struct {
	Found    bool    `json:"found"`
	Score    float64 `json:"score"`
	LastSeen string  `json:"last_seen"`
}

// Lookup fetches the provider's raw score for an indicator.
func (p *HTTPProvider) Lookup(ctx context.Context, iocType IOCType, value string) (*SourceScore, error) {
	var out *SourceScore

	op := func() error {
		s, err := p.lookupOnce(ctx, iocType, value)
		if err != nil {
			return err
		}
		out = s
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, &TransientError{Provider: p.name, Err: err}
	}
	return out, nil
}

func (p *HTTPProvider) lookupOnce(ctx context.Context, iocType IOCType, value string) (*SourceScore, error) {
	q := url.Values{}
	q.Set("type", string(iocType))
	q.Set("value", value)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.endpoint+"/v1/indicator?"+q.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil // provider has no data for this indicator
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%s returned %d: %s", p.name, resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, backoff.Permanent(fmt.Errorf("%s returned %d: %s", p.name, resp.StatusCode, string(body)))
	}

	var pr providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode %s response: %w", p.name, err))
	}
	if !pr.Found {
		return nil, nil
	}

	lastSeen, err := time.Parse(time.RFC3339, pr.LastSeen)
	if err != nil {
		lastSeen = time.Now().UTC()
	}

	score := pr.Score
	if score < 0 {
		score = 0
	} else if score > 10 {
		score = 10
	}

	return &SourceScore{Source: p.name, Score: score, LastSeen: lastSeen}, nil
}
