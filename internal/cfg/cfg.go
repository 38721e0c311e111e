package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// Config holds application-level settings that are not owned by one of
// the shared infrastructure packages.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	NATSURL     string
	NATSSubject string
	NATSQueue   string

	ClaudeAPIKey       string
	ClaudeFastModel    string
	ClaudeQualityModel string

	SlackWebhookURL string

	InventoryEndpoint string

	IntelProviders      string // name=url pairs, comma separated
	IntelWeights        string // name=weight pairs, comma separated
	IntelAPIKey         string
	IntelTimeoutSeconds int
	IntelCacheSize      int

	AnalysisThreshold    int
	SweepIntervalSeconds int

	APIToken string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the shared intel cache tier (empty = disabled)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis logical database number")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for alert ingestion (empty = HTTP ingestion only)")
	fs.StringVar(&c.NATSSubject, "nats-subject", "alerts.ingest", "NATS subject to consume alerts from")
	fs.StringVar(&c.NATSQueue, "nats-queue", "warden", "NATS queue group for load-balanced consumption")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeFastModel, "claude-fast-model", "claude-haiku-4-5-20251001", "Claude model for fast-class analysis tasks")
	fs.StringVar(&c.ClaudeQualityModel, "claude-quality-model", "claude-sonnet-4-20250514", "Claude model for quality-class analysis tasks")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for workflow notifications")
	fs.StringVar(&c.InventoryEndpoint, "inventory-endpoint", "", "asset inventory service endpoint for enrichment (empty = defaults)")
	fs.StringVar(&c.IntelProviders, "intel-providers", "", "threat intel providers as name=url pairs, comma separated")
	fs.StringVar(&c.IntelWeights, "intel-weights", "", "per-provider freshness weights as name=weight pairs, comma separated")
	fs.StringVar(&c.IntelAPIKey, "intel-api-key", "", "API key sent to all threat intel providers")
	fs.IntVar(&c.IntelTimeoutSeconds, "intel-timeout-seconds", 5, "per-provider intel lookup timeout (1..60)")
	fs.IntVar(&c.IntelCacheSize, "intel-cache-size", 10000, "in-process intel cache capacity in entries")
	fs.IntVar(&c.AnalysisThreshold, "analysis-threshold", 40, "minimum risk score that triggers narrative analysis (0..100)")
	fs.IntVar(&c.SweepIntervalSeconds, "sweep-interval-seconds", 60, "SLA breach sweep interval (1..3600)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = auth disabled)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeFastModel == "" {
		errs = append(errs, errors.New("CLAUDE_FAST_MODEL is required"))
	}
	if c.ClaudeQualityModel == "" {
		errs = append(errs, errors.New("CLAUDE_QUALITY_MODEL is required"))
	}

	if c.IntelTimeoutSeconds <= 0 || c.IntelTimeoutSeconds > 60 {
		errs = append(errs, fmt.Errorf("invalid INTEL_TIMEOUT_SECONDS %d (must be 1..60)", c.IntelTimeoutSeconds))
	}
	if c.IntelCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid INTEL_CACHE_SIZE %d (must be positive)", c.IntelCacheSize))
	}
	if _, err := c.ParseIntelProviders(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ParseIntelWeights(); err != nil {
		errs = append(errs, err)
	}

	if c.AnalysisThreshold < 0 || c.AnalysisThreshold > 100 {
		errs = append(errs, fmt.Errorf("invalid ANALYSIS_THRESHOLD %d (must be 0..100)", c.AnalysisThreshold))
	}
	if c.SweepIntervalSeconds <= 0 || c.SweepIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS %d (must be 1..3600)", c.SweepIntervalSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ParseIntelProviders parses the name=url provider list. An empty setting
// yields an empty map.
func (c *Config) ParseIntelProviders() (map[string]string, error) {
	out := make(map[string]string)
	if c.IntelProviders == "" {
		return out, nil
	}
	for _, pair := range strings.Split(c.IntelProviders, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid INTEL_PROVIDERS entry %q (want name=url)", pair)
		}
		out[name] = url
	}
	return out, nil
}

// ParseIntelWeights parses the name=weight list. Weights must be positive.
func (c *Config) ParseIntelWeights() (map[string]float64, error) {
	out := make(map[string]float64)
	if c.IntelWeights == "" {
		return out, nil
	}
	for _, pair := range strings.Split(c.IntelWeights, ",") {
		name, raw, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid INTEL_WEIGHTS entry %q (want name=weight)", pair)
		}
		w, err := strconv.ParseFloat(raw, 64)
		if err != nil || w <= 0 {
			return nil, fmt.Errorf("invalid INTEL_WEIGHTS value %q for provider %s", raw, name)
		}
		out[name] = w
	}
	return out, nil
}
