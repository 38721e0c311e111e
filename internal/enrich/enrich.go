// Package enrich resolves asset context for alerts from an external
// inventory, with a conservative default when the inventory cannot answer.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/linnemanlabs/warden/internal/risk"
)

// AssetContext describes one asset referenced by an alert.
type AssetContext struct {
	AssetID        string              `json:"asset_id"`
	Criticality    risk.Criticality    `json:"criticality"`
	Exploitability risk.Exploitability `json:"exploitability"`
	Owner          string              `json:"owner,omitempty"`
	// Known is false when the asset was not found and defaults were applied.
	Known bool `json:"known"`
}

// DefaultAsset is the context applied when the inventory has no answer.
// Unknown assets are assumed moderately important rather than harmless.
func DefaultAsset(assetID string) *AssetContext {
	return &AssetContext{
		AssetID:        assetID,
		Criticality:    risk.CriticalityMedium,
		Exploitability: risk.ExploitabilityMedium,
		Known:          false,
	}
}

// Provider answers asset and personnel lookups.
type Provider interface {
	// Asset returns context for the asset, or an error if the inventory is
	// unreachable. A reachable inventory with no record returns defaults.
	Asset(ctx context.Context, assetID string) (*AssetContext, error)
	// Manager returns the manager of the given user, for escalations.
	Manager(ctx context.Context, user string) (string, error)
}

// HTTPProvider queries an asset inventory service.
type HTTPProvider struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider against the given inventory base URL.
func NewHTTPProvider(endpoint string) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type assetRecord struct {
	AssetID        string `json:"asset_id"`
	Criticality    string `json:"criticality"`
	Exploitability string `json:"exploitability"`
	Owner          string `json:"owner"`
}

// Asset looks up /v1/assets/{id}. A 404 yields defaults with a nil error;
// anything else unreachable is an error so the caller can decide.
func (p *HTTPProvider) Asset(ctx context.Context, assetID string) (*AssetContext, error) {
	body, status, err := p.get(ctx, path.Join("v1", "assets", url.PathEscape(assetID)))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return DefaultAsset(assetID), nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("asset inventory returned %d", status)
	}

	var rec assetRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode asset record: %w", err)
	}

	out := &AssetContext{
		AssetID:        assetID,
		Criticality:    risk.Criticality(rec.Criticality),
		Exploitability: risk.Exploitability(rec.Exploitability),
		Owner:          rec.Owner,
		Known:          true,
	}
	if !out.Criticality.Valid() {
		out.Criticality = risk.CriticalityMedium
	}
	if !out.Exploitability.Valid() {
		out.Exploitability = risk.ExploitabilityMedium
	}
	return out, nil
}

type managerRecord struct {
	Manager string `json:"manager"`
}

// Manager looks up /v1/users/{user}/manager. Unknown users resolve to "".
func (p *HTTPProvider) Manager(ctx context.Context, user string) (string, error) {
	body, status, err := p.get(ctx, path.Join("v1", "users", url.PathEscape(user), "manager"))
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", nil
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("asset inventory returned %d", status)
	}

	var rec managerRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return "", fmt.Errorf("decode manager record: %w", err)
	}
	return rec.Manager, nil
}

func (p *HTTPProvider) get(ctx context.Context, rel string) ([]byte, int, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, 0, fmt.Errorf("parse endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, rel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("query inventory: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// StaticProvider serves a fixed table. Used in tests and deployments with no
// inventory service.
type StaticProvider struct {
	Assets   map[string]*AssetContext
	Managers map[string]string
}

func (p *StaticProvider) Asset(_ context.Context, assetID string) (*AssetContext, error) {
	if a, ok := p.Assets[assetID]; ok {
		cp := *a
		return &cp, nil
	}
	return DefaultAsset(assetID), nil
}

func (p *StaticProvider) Manager(_ context.Context, user string) (string, error) {
	return p.Managers[user], nil
}
