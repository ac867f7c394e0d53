// Package config loads zubot's runtime configuration.
//
// The runtime config is a JSON document at config/config.json (override
// with ZUBOT_CONFIG_PATH). Loads are cached by file mtime; Invalidate
// clears the cache. Task profiles are separate TOML files under
// config/tasks/, loaded by LoadProfiles.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// DefaultPath is the runtime config location relative to the repo root.
const DefaultPath = "config/config.json"

// EnvPath overrides the config location when set.
const EnvPath = "ZUBOT_CONFIG_PATH"

// Config is the full runtime configuration document.
type Config struct {
	DefaultModelAlias string                    `json:"default_model_alias"`
	Models            map[string]ModelConfig    `json:"models"`
	ModelProviders    map[string]ProviderConfig `json:"model_providers"`
	Central           CentralConfig             `json:"central"`
	Workers           WorkersConfig             `json:"workers"`
	Memory            MemoryConfig              `json:"memory"`
	Paths             PathsConfig               `json:"paths"`
	Chat              LoopConfig                `json:"chat"`
	SubAgent          LoopConfig                `json:"sub_agent"`
}

// ModelConfig describes one usable model, keyed by model id.
type ModelConfig struct {
	Alias            string `json:"alias"`
	Provider         string `json:"provider"`
	Endpoint         string `json:"endpoint"`
	MaxContextTokens int    `json:"max_context_tokens"`
	MaxOutputTokens  int    `json:"max_output_tokens"`
	Tier             string `json:"tier,omitempty"` // "low", "medium", "high"
}

// ProviderConfig describes one API endpoint.
type ProviderConfig struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key,omitempty"`
	APIKeyEnv  string `json:"api_key_env,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
	RPMLimit   int    `json:"rpm_limit,omitempty"`
	TPMLimit   int    `json:"tpm_limit,omitempty"`
}

// ResolveAPIKey returns the literal key or the env-named one.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// CentralConfig configures the central scheduler service.
type CentralConfig struct {
	Enabled                 bool   `json:"enabled"`
	PollIntervalSec         int    `json:"poll_interval_sec"`
	MaxConcurrentRuns       int    `json:"max_concurrent_runs"`
	DBPath                  string `json:"db_path"`
	RunRetentionDays        int    `json:"run_retention_days"`
	RunHistoryMaxRows       int    `json:"run_history_max_rows"`
	MemorySweepIntervalSec  int    `json:"memory_sweep_interval_sec"`
	MemorySweepDebounceSec  int    `json:"memory_sweep_debounce_sec"`
	QueueWarningThreshold   int    `json:"queue_warning_threshold"`
	RunningAgeWarningSec    int    `json:"running_age_warning_sec"`
	WaitingForUserTimeoutHr int    `json:"waiting_for_user_timeout_hr"`
	TasksDir                string `json:"tasks_dir"`
}

// WorkersConfig configures the worker pool.
type WorkersConfig struct {
	MaxReady         int    `json:"max_ready"`
	DefaultModelTier string `json:"default_model_tier"`
}

// MemoryConfig configures the daily memory pipeline.
type MemoryConfig struct {
	HomeTimezone    string `json:"home_timezone"`
	SummaryTier     string `json:"summary_tier"`
	PollIntervalSec int    `json:"poll_interval_sec"`
	MaxJobsPerTick  int    `json:"max_jobs_per_tick"`
	SessionsDir     string `json:"sessions_dir"`
	LegacyDaysDir   string `json:"legacy_days_dir"`
}

// PathsConfig is the path-policy document.
type PathsConfig struct {
	DefaultAccess string   `json:"default_access"`
	AllowRead     []string `json:"allow_read"`
	AllowWrite    []string `json:"allow_write"`
	Deny          []string `json:"deny"`
}

// LoopConfig holds tool-loop budgets.
type LoopConfig struct {
	MaxSteps     int `json:"max_steps"`
	MaxToolCalls int `json:"max_tool_calls"`
	TimeoutSec   int `json:"timeout_sec"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Central: CentralConfig{
			PollIntervalSec:         60,
			MaxConcurrentRuns:       2,
			DBPath:                  "memory/central/zubot_core.db",
			RunRetentionDays:        30,
			RunHistoryMaxRows:       5000,
			MemorySweepIntervalSec:  43200,
			MemorySweepDebounceSec:  300,
			QueueWarningThreshold:   25,
			RunningAgeWarningSec:    1800,
			WaitingForUserTimeoutHr: 24,
			TasksDir:                "config/tasks",
		},
		Workers: WorkersConfig{MaxReady: 3, DefaultModelTier: "medium"},
		Memory: MemoryConfig{
			HomeTimezone:    "UTC",
			SummaryTier:     "low",
			PollIntervalSec: 15,
			MaxJobsPerTick:  1,
			SessionsDir:     "memory/sessions",
			LegacyDaysDir:   "memory/days",
		},
		Chat:     LoopConfig{MaxSteps: 8, MaxToolCalls: 6, TimeoutSec: 20},
		SubAgent: LoopConfig{MaxSteps: 4, MaxToolCalls: 3, TimeoutSec: 20},
	}
}

var cache struct {
	sync.Mutex
	path    string
	mtimeNS int64
	cfg     *Config
}

// Load reads the runtime config, cached by file mtime. An empty path
// uses ZUBOT_CONFIG_PATH, then the default location. A missing file
// yields pure defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		path = DefaultPath
	}

	cache.Lock()
	defer cache.Unlock()

	info, statErr := os.Stat(path)
	if statErr == nil && cache.cfg != nil && cache.path == path && cache.mtimeNS == info.ModTime().UnixNano() {
		return *cache.cfg, nil
	}

	cfg := Default()
	if statErr == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return Config{}, fmt.Errorf("stat config: %w", statErr)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	cache.path = path
	cache.cfg = &cfg
	if statErr == nil {
		cache.mtimeNS = info.ModTime().UnixNano()
	} else {
		cache.mtimeNS = 0
	}
	return cfg, nil
}

// Invalidate clears the load cache; the next Load re-reads the file.
func Invalidate() {
	cache.Lock()
	cache.cfg = nil
	cache.Unlock()
}

func validate(cfg Config) error {
	aliases := make(map[string]string, len(cfg.Models))
	for id, m := range cfg.Models {
		if m.MaxContextTokens <= 0 {
			return fmt.Errorf("model %s: max_context_tokens must be > 0", id)
		}
		if m.MaxOutputTokens <= 0 {
			return fmt.Errorf("model %s: max_output_tokens must be > 0", id)
		}
		if m.Alias != "" {
			if other, dup := aliases[m.Alias]; dup {
				return fmt.Errorf("model alias %q used by both %s and %s", m.Alias, other, id)
			}
			aliases[m.Alias] = id
		}
	}
	return nil
}

// ResolveModel resolves ref by model id, then alias, then the default
// alias. Returns the model id and its config.
func (c Config) ResolveModel(ref string) (string, ModelConfig, error) {
	if ref != "" {
		if m, ok := c.Models[ref]; ok {
			return ref, m, nil
		}
		for id, m := range c.Models {
			if m.Alias == ref {
				return id, m, nil
			}
		}
	}
	if c.DefaultModelAlias != "" && ref != c.DefaultModelAlias {
		return c.ResolveModel(c.DefaultModelAlias)
	}
	return "", ModelConfig{}, fmt.Errorf("no model for reference %q", ref)
}

// ResolveModelByTier picks the lowest model id whose tier matches,
// falling back to the default model.
func (c Config) ResolveModelByTier(tier string) (string, ModelConfig, error) {
	ids := make([]string, 0, len(c.Models))
	for id := range c.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c.Models[id].Tier == tier {
			return id, c.Models[id], nil
		}
	}
	return c.ResolveModel("")
}

// ProviderFor returns the endpoint config for a model.
func (c Config) ProviderFor(m ModelConfig) (ProviderConfig, error) {
	p, ok := c.ModelProviders[m.Endpoint]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("no provider endpoint %q", m.Endpoint)
	}
	return p, nil
}
