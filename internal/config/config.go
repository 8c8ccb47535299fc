// Package config holds ALL mnemo configuration, loaded from a single JSON
// file. This is the single source of truth for tunables; components receive
// the values they need at construction and never read files themselves.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SecretPolicy selects what ingestion does when a secret pattern matches.
type SecretPolicy string

const (
	SecretRedact SecretPolicy = "redact"
	SecretReject SecretPolicy = "reject"
)

// Config is the top-level mnemo configuration.
type Config struct {
	// Path to the SQLite database file.
	DBPath string `json:"db_path,omitempty"`

	// Default ACB token budget when the request does not set one.
	DefaultMaxTokens int `json:"default_max_tokens,omitempty"`

	Retrieval     RetrievalConfig     `json:"retrieval,omitempty"`
	Ingest        IngestConfig        `json:"ingest,omitempty"`
	Edits         EditsConfig         `json:"edits,omitempty"`
	Consolidation ConsolidationConfig `json:"consolidation,omitempty"`
	Deadlines     DeadlinesConfig     `json:"deadlines,omitempty"`
	Summarizer    SummarizerConfig    `json:"summarizer,omitempty"`
}

// RetrievalConfig bounds worst-case retrieval work.
type RetrievalConfig struct {
	CandidatePoolMax int `json:"candidate_pool_max,omitempty"` // FTS candidate cap
	ScoredMax        int `json:"scored_max,omitempty"`         // scored pool cap
}

// IngestConfig controls the ingestion pipeline.
type IngestConfig struct {
	// ExcerptBytesMax caps tool_result excerpts, measured in UTF-8 bytes.
	ExcerptBytesMax int `json:"excerpt_bytes_max,omitempty"`
	// SecretPolicy is redact (default) or reject.
	SecretPolicy SecretPolicy `json:"secret_policy,omitempty"`
	// MaxFieldLen caps string fields on incoming requests.
	MaxFieldLen int `json:"max_field_len,omitempty"`
}

// EditsConfig controls the memory-edit overlay workflow.
type EditsConfig struct {
	// AutoApprove applies amend/quarantine/attenuate immediately on
	// proposal. Retract and block always require an approver.
	AutoApprove bool `json:"auto_approve"`
}

// ConsolidationConfig controls the scheduled engine.
type ConsolidationConfig struct {
	Enabled bool `json:"enabled"`
	// HandoffsPerRun caps handoff compression batches per job kind.
	// 0 means unlimited (monthly).
	DailyHandoffs  int `json:"daily_handoffs,omitempty"`
	WeeklyHandoffs int `json:"weekly_handoffs,omitempty"`
	// BatchSize is the transactional checkpoint size.
	BatchSize int `json:"batch_size,omitempty"`
}

// DeadlinesConfig holds the default per-operation deadlines in seconds,
// applied only when the caller context carries none.
type DeadlinesConfig struct {
	WriteSeconds        int `json:"write_s,omitempty"`
	ACBFastSeconds      int `json:"acb_fast_s,omitempty"`
	ACBRetrievalSeconds int `json:"acb_retrieval_s,omitempty"`
}

// SummarizerConfig selects the Summarizer capability implementation.
type SummarizerConfig struct {
	// Provider is "extractive" (default, deterministic) or "gemini".
	Provider string `json:"provider,omitempty"`
	// Model overrides the default Gemini model.
	Model string `json:"model,omitempty"`
	// APIKey for the gemini provider; the GEMINI_API_KEY env var wins.
	APIKey string `json:"api_key,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath:           "mnemo.db",
		DefaultMaxTokens: 65000,
		Retrieval: RetrievalConfig{
			CandidatePoolMax: 2000,
			ScoredMax:        200,
		},
		Ingest: IngestConfig{
			ExcerptBytesMax: 65536,
			SecretPolicy:    SecretRedact,
			MaxFieldLen:     8192,
		},
		Edits: EditsConfig{
			AutoApprove: true,
		},
		Consolidation: ConsolidationConfig{
			Enabled:        true,
			DailyHandoffs:  100,
			WeeklyHandoffs: 700,
			BatchSize:      50,
		},
		Deadlines: DeadlinesConfig{
			WriteSeconds:        30,
			ACBFastSeconds:      5,
			ACBRetrievalSeconds: 15,
		},
		Summarizer: SummarizerConfig{
			Provider: "extractive",
			Model:    "gemini-2.5-flash",
		},
	}
}

// Load reads the config file at path, applies defaults for missing fields,
// then environment overrides. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.normalize()
	cfg.applyEnv()
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// normalize re-applies defaults for zero values so a sparse config file
// behaves like Default() with overrides.
func (c *Config) normalize() {
	d := Default()
	if c.DBPath == "" {
		c.DBPath = d.DBPath
	}
	if c.DefaultMaxTokens <= 0 {
		c.DefaultMaxTokens = d.DefaultMaxTokens
	}
	if c.Retrieval.CandidatePoolMax <= 0 {
		c.Retrieval.CandidatePoolMax = d.Retrieval.CandidatePoolMax
	}
	if c.Retrieval.ScoredMax <= 0 {
		c.Retrieval.ScoredMax = d.Retrieval.ScoredMax
	}
	if c.Ingest.ExcerptBytesMax <= 0 {
		c.Ingest.ExcerptBytesMax = d.Ingest.ExcerptBytesMax
	}
	if c.Ingest.SecretPolicy == "" {
		c.Ingest.SecretPolicy = d.Ingest.SecretPolicy
	}
	if c.Ingest.MaxFieldLen <= 0 {
		c.Ingest.MaxFieldLen = d.Ingest.MaxFieldLen
	}
	if c.Consolidation.DailyHandoffs <= 0 {
		c.Consolidation.DailyHandoffs = d.Consolidation.DailyHandoffs
	}
	if c.Consolidation.WeeklyHandoffs <= 0 {
		c.Consolidation.WeeklyHandoffs = d.Consolidation.WeeklyHandoffs
	}
	if c.Consolidation.BatchSize <= 0 {
		c.Consolidation.BatchSize = d.Consolidation.BatchSize
	}
	if c.Deadlines.WriteSeconds <= 0 {
		c.Deadlines.WriteSeconds = d.Deadlines.WriteSeconds
	}
	if c.Deadlines.ACBFastSeconds <= 0 {
		c.Deadlines.ACBFastSeconds = d.Deadlines.ACBFastSeconds
	}
	if c.Deadlines.ACBRetrievalSeconds <= 0 {
		c.Deadlines.ACBRetrievalSeconds = d.Deadlines.ACBRetrievalSeconds
	}
	if c.Summarizer.Provider == "" {
		c.Summarizer.Provider = d.Summarizer.Provider
	}
	if c.Summarizer.Model == "" {
		c.Summarizer.Model = d.Summarizer.Model
	}
}

// applyEnv overrides secret-bearing fields from the environment.
func (c *Config) applyEnv() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Summarizer.APIKey = key
	}
	if policy := os.Getenv("MNEMO_SECRET_POLICY"); policy != "" {
		switch SecretPolicy(policy) {
		case SecretRedact, SecretReject:
			c.Ingest.SecretPolicy = SecretPolicy(policy)
		}
	}
	if path := os.Getenv("MNEMO_DB_PATH"); path != "" {
		c.DBPath = path
	}
}
