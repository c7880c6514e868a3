package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the persistent application configuration
type Config struct {
	// Tracked conversation sources
	Sources []SourceConfig `json:"sources"`

	// Sync engine settings
	Sync SyncConfig `json:"sync"`

	// Cache settings
	Cache CacheConfig `json:"cache"`

	// Remote source endpoint
	Remote RemoteConfig `json:"remote"`

	// Summarizer settings
	Summarizer SummarizerConfig `json:"summarizer"`
}

// SourceConfig describes one tracked conversation source.
// Sources are owned by the caller; the sync core only references them by id.
type SourceConfig struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Selected bool   `json:"selected"`
	Unread   int    `json:"unread,omitempty"`
}

// SyncConfig holds fetch scheduling and pacing settings
type SyncConfig struct {
	PollIntervalMinutes int `json:"poll_interval_minutes"` // Between full sync passes
	CooldownMinutes     int `json:"cooldown_minutes"`      // Min interval per source
	SourceSpacingMs     int `json:"source_spacing_ms"`     // Min gap between requests to one source
	GlobalSpacingMs     int `json:"global_spacing_ms"`     // Min gap between any two requests
	CourtesyDelayMs     int `json:"courtesy_delay_ms"`     // Pause between sources in a batch
	DebounceSeconds     int `json:"debounce_seconds"`      // Push-event debounce per source
	PageSize            int `json:"page_size"`
	MaxPages            int `json:"max_pages"`
}

// CacheConfig holds chunking and fast-path cache settings
type CacheConfig struct {
	BucketWidthMinutes int `json:"bucket_width_minutes"`
	GracePeriodMinutes int `json:"grace_period_minutes"`
	LRUCapacity        int `json:"lru_capacity"`
}

// RemoteConfig holds the remote chat API endpoint settings.
// Authentication handshake is handled outside this process; the token
// here is assumed valid.
type RemoteConfig struct {
	BaseURL        string `json:"base_url"`
	APIToken       string `json:"api_token,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SummarizerConfig holds summarization settings
type SummarizerConfig struct {
	Enabled       bool   `json:"enabled"`
	Endpoint      string `json:"endpoint,omitempty"`
	APIKey        string `json:"api_key,omitempty"`
	ModelVersion  string `json:"model_version"`
	PromptVersion string `json:"prompt_version"`
	Locale        string `json:"locale"`
	MaxTokens     int    `json:"max_tokens"`
	Concurrency   int    `json:"concurrency"` // Parallel chunk summarizations per pass
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Sources: []SourceConfig{},
		Sync: SyncConfig{
			PollIntervalMinutes: 5,
			CooldownMinutes:     5,
			SourceSpacingMs:     100,
			GlobalSpacingMs:     100,
			CourtesyDelayMs:     200,
			DebounceSeconds:     60,
			PageSize:            50,
			MaxPages:            6,
		},
		Cache: CacheConfig{
			BucketWidthMinutes: 15,
			GracePeriodMinutes: 30,
			LRUCapacity:        256,
		},
		Remote: RemoteConfig{
			TimeoutSeconds: 30,
		},
		Summarizer: SummarizerConfig{
			Enabled:       true,
			ModelVersion:  "summarizer-v2",
			PromptVersion: "p3",
			Locale:        "en",
			MaxTokens:     1024,
			Concurrency:   2,
		},
	}
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".digest", "config.json")
}

// Load reads config from disk, or returns defaults
func Load() (*Config, error) {
	path := ConfigPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			cfg.AutoPopulateFromEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		// Falling back to defaults here would silently discard the
		// user's source list; make them fix or remove the file.
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.AutoPopulateFromEnv()

	return &cfg, nil
}

// Save writes config to disk
func (c *Config) Save() error {
	path := ConfigPath()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600) // Restrictive permissions for API keys
}

// AutoPopulateFromEnv fills in API tokens from environment variables
func (c *Config) AutoPopulateFromEnv() {
	if token := os.Getenv("DIGEST_API_TOKEN"); token != "" {
		c.Remote.APIToken = token
	}
	if url := os.Getenv("DIGEST_REMOTE_URL"); url != "" {
		c.Remote.BaseURL = url
	}
	if key := os.Getenv("DIGEST_SUMMARIZER_KEY"); key != "" {
		c.Summarizer.APIKey = key
	}
	if url := os.Getenv("DIGEST_SUMMARIZER_URL"); url != "" {
		c.Summarizer.Endpoint = url
	}
}

// SelectedSourceIDs returns the ids of sources marked as tracked.
func (c *Config) SelectedSourceIDs() []int64 {
	var ids []int64
	for _, s := range c.Sources {
		if s.Selected {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Duration helpers keep the JSON shape plain-integer while callers get
// real durations.

func (s SyncConfig) PollInterval() time.Duration  { return time.Duration(s.PollIntervalMinutes) * time.Minute }
func (s SyncConfig) Cooldown() time.Duration      { return time.Duration(s.CooldownMinutes) * time.Minute }
func (s SyncConfig) SourceSpacing() time.Duration { return time.Duration(s.SourceSpacingMs) * time.Millisecond }
func (s SyncConfig) GlobalSpacing() time.Duration { return time.Duration(s.GlobalSpacingMs) * time.Millisecond }
func (s SyncConfig) CourtesyDelay() time.Duration { return time.Duration(s.CourtesyDelayMs) * time.Millisecond }
func (s SyncConfig) Debounce() time.Duration      { return time.Duration(s.DebounceSeconds) * time.Second }

func (c CacheConfig) BucketWidth() time.Duration { return time.Duration(c.BucketWidthMinutes) * time.Minute }
func (c CacheConfig) GracePeriod() time.Duration { return time.Duration(c.GracePeriodMinutes) * time.Minute }

func (r RemoteConfig) Timeout() time.Duration { return time.Duration(r.TimeoutSeconds) * time.Second }
