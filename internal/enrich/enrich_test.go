package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linnemanlabs/warden/internal/risk"
)

func TestHTTPProvider_AssetFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/assets/web-01" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"asset_id":"web-01","criticality":"critical","exploitability":"high","owner":"platform-team"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)
	got, err := p.Asset(context.Background(), "web-01")
	if err != nil {
		t.Fatalf("Asset: %v", err)
	}

	if !got.Known {
		t.Error("expected known asset")
	}
	if got.Criticality != risk.CriticalityCritical {
		t.Errorf("criticality = %q", got.Criticality)
	}
	if got.Exploitability != risk.ExploitabilityHigh {
		t.Errorf("exploitability = %q", got.Exploitability)
	}
	if got.Owner != "platform-team" {
		t.Errorf("owner = %q", got.Owner)
	}
}

func TestHTTPProvider_AssetNotFoundDefaults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)
	got, err := p.Asset(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Asset: %v", err)
	}

	if got.Known {
		t.Error("unknown asset reported as known")
	}
	if got.Criticality != risk.CriticalityMedium || got.Exploitability != risk.ExploitabilityMedium {
		t.Errorf("defaults = %s/%s, want medium/medium", got.Criticality, got.Exploitability)
	}
}

func TestHTTPProvider_UnrecognizedValuesFallBack(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"asset_id":"db-01","criticality":"tier-0","exploitability":"patched"}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)
	got, err := p.Asset(context.Background(), "db-01")
	if err != nil {
		t.Fatalf("Asset: %v", err)
	}
	if got.Criticality != risk.CriticalityMedium {
		t.Errorf("criticality = %q, want medium", got.Criticality)
	}
	if got.Exploitability != risk.ExploitabilityMedium {
		t.Errorf("exploitability = %q, want medium", got.Exploitability)
	}
	if !got.Known {
		t.Error("record was present, should be known")
	}
}

func TestHTTPProvider_ServerErrorIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)
	if _, err := p.Asset(context.Background(), "web-01"); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestHTTPProvider_Manager(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/users/alice/manager":
			w.Write([]byte(`{"manager":"carol"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL)

	mgr, err := p.Manager(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Manager: %v", err)
	}
	if mgr != "carol" {
		t.Errorf("manager = %q, want carol", mgr)
	}

	mgr, err = p.Manager(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Manager unknown: %v", err)
	}
	if mgr != "" {
		t.Errorf("unknown user manager = %q, want empty", mgr)
	}
}

func TestStaticProvider(t *testing.T) {
	t.Parallel()

	p := &StaticProvider{
		Assets: map[string]*AssetContext{
			"vault-01": {AssetID: "vault-01", Criticality: risk.CriticalityCritical, Exploitability: risk.ExploitabilityLow, Known: true},
		},
		Managers: map[string]string{"alice": "carol"},
	}

	got, err := p.Asset(context.Background(), "vault-01")
	if err != nil {
		t.Fatalf("Asset: %v", err)
	}
	if got.Criticality != risk.CriticalityCritical {
		t.Errorf("criticality = %q", got.Criticality)
	}

	// returned context is a copy
	got.Criticality = risk.CriticalityLow
	again, _ := p.Asset(context.Background(), "vault-01")
	if again.Criticality != risk.CriticalityCritical {
		t.Error("mutating the returned context changed the table")
	}

	missing, err := p.Asset(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Asset missing: %v", err)
	}
	if missing.Known {
		t.Error("missing asset reported known")
	}

	if mgr, _ := p.Manager(context.Background(), "alice"); mgr != "carol" {
		t.Errorf("manager = %q", mgr)
	}
}
