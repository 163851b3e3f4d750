// Package config loads the daemon configuration: a single TOML file with
// typed sections, plus environment overrides for credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"mailsort_daemon/pkg/apperr"
)

// Config holds all information parsed from the supplied config file.
type Config struct {
	LogLevel string `toml:"log_level"`

	IMAP     IMAPConfig     `toml:"imap"`
	LLM      LLMConfig      `toml:"llm"`
	Store    StoreConfig    `toml:"store"`
	Cache    CacheConfig    `toml:"cache"`
	Duplex   DuplexConfig   `toml:"duplex"`
	Junk     JunkConfig     `toml:"junk"`
	Pipeline PipelineConfig `toml:"pipeline"`
	HTTP     HTTPConfig     `toml:"http"`
}

// IMAPConfig is the remote-IMAP section.
type IMAPConfig struct {
	Host             string   `toml:"host"`
	Port             int      `toml:"port"`
	TLS              bool     `toml:"tls"`
	Username         string   `toml:"username"`
	Password         string   `toml:"password"`
	IdleFolders      []string `toml:"idle_folders"`
	PollIntervalSecs int      `toml:"poll_interval_secs"`
}

// Configured reports whether a remote server is set up at all.
func (c IMAPConfig) Configured() bool {
	return c.Host != ""
}

// Addr returns host:port for dialing.
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PollInterval bounds one idle round.
func (c IMAPConfig) PollInterval() time.Duration {
	if c.PollIntervalSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.PollIntervalSecs) * time.Second
}

// LLMConfig is the model client section.
type LLMConfig struct {
	BaseURL           string `toml:"base_url"`
	Model             string `toml:"model"`
	APIKey            string `toml:"api_key"`
	TimeoutSecs       int    `toml:"timeout_secs"`
	PromptDir         string `toml:"prompt_dir"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
}

// Timeout is the per-call deadline; large batch prompts need minutes.
func (c LLMConfig) Timeout() time.Duration {
	if c.TimeoutSecs <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.TimeoutSecs) * time.Second
}

// StoreConfig locates the embedded store and the category file.
type StoreConfig struct {
	Path         string `toml:"path"`
	CategoryFile string `toml:"category_file"`
}

// CacheConfig is the local mail-client cache section.
type CacheConfig struct {
	// ProfileDir overrides profiles.ini discovery with an explicit
	// profile directory.
	ProfileDir string `toml:"profile_dir"`

	// SampleSize is how many messages induction samples per run.
	SampleSize int `toml:"sample_size"`
}

// DuplexConfig is the duplex-channel server section.
type DuplexConfig struct {
	Enabled            bool   `toml:"enabled"`
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	Token              string `toml:"token"`
	RequestTimeoutSecs int    `toml:"request_timeout_secs"`
}

// Addr returns the listen address, loopback by default.
func (c DuplexConfig) Addr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}

// RequestTimeout bounds one server-initiated request to the client.
func (c DuplexConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// JunkConfig is the rule-engine section.
type JunkConfig struct {
	Enabled     bool     `toml:"enabled"`
	SkipFolders []string `toml:"skip_folders"`
	Rules       []string `toml:"rules"`
}

// PipelineConfig tunes the classification pipeline and induction.
type PipelineConfig struct {
	ConfidenceThreshold float64 `toml:"confidence_threshold"`
	TransferConcurrency int     `toml:"transfer_concurrency"`
	DrainTimeoutSecs    int     `toml:"drain_timeout_secs"`
	InductionBatchSize  int     `toml:"induction_batch_size"`
	SweepWorkers        int     `toml:"sweep_workers"`
}

// Threshold returns the routing threshold, defaulting to 0.5.
func (c PipelineConfig) Threshold() float64 {
	if c.ConfidenceThreshold <= 0 {
		return 0.5
	}
	return c.ConfidenceThreshold
}

// DrainTimeout bounds the shutdown drain.
func (c PipelineConfig) DrainTimeout() time.Duration {
	if c.DrainTimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.DrainTimeoutSecs) * time.Second
}

// BatchSize is the induction batch cap.
func (c PipelineConfig) BatchSize() int {
	if c.InductionBatchSize <= 0 {
		return 100
	}
	return c.InductionBatchSize
}

// HTTPConfig is the health/stats endpoint section.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Load parses the TOML file, applies defaults and then environment
// overrides. Credentials from the environment always win over file values.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, apperr.Configf("failed to read config file %s: %v", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.IMAP.Port == 0 {
		if c.IMAP.TLS {
			c.IMAP.Port = 993
		} else {
			c.IMAP.Port = 143
		}
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "http://localhost:11434/v1"
	}
	if c.Store.Path == "" {
		c.Store.Path = "mailsort.db"
	}
	if c.Store.CategoryFile == "" {
		c.Store.CategoryFile = "categories.txt"
	}
	if c.Cache.SampleSize == 0 {
		c.Cache.SampleSize = 500
	}
	if c.Duplex.Port == 0 {
		c.Duplex.Port = 8765
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8780"
	}
}

func (c *Config) applyEnv() {
	c.IMAP.Username = getEnv("MAILSORT_IMAP_USERNAME", c.IMAP.Username)
	c.IMAP.Password = getEnv("MAILSORT_IMAP_PASSWORD", c.IMAP.Password)
	c.Duplex.Token = getEnv("MAILSORT_DUPLEX_TOKEN", c.Duplex.Token)
	c.LLM.APIKey = getEnv("MAILSORT_LLM_API_KEY", getEnv("OPENAI_API_KEY", c.LLM.APIKey))
	c.LogLevel = getEnv("MAILSORT_LOG_LEVEL", c.LogLevel)
}

// Validate enforces the sections the given mode needs. Violations are fatal
// at startup.
func (c *Config) Validate(mode string) error {
	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		return apperr.Configf("pipeline.confidence_threshold %v out of range [0,1]", c.Pipeline.ConfidenceThreshold)
	}

	switch mode {
	case "watch":
		if !c.IMAP.Configured() {
			return apperr.Config("watch mode requires the [imap] section")
		}
		if len(c.IMAP.IdleFolders) == 0 {
			return apperr.Config("watch mode requires imap.idle_folders")
		}
		if c.IMAP.Username == "" || c.IMAP.Password == "" {
			return apperr.Config("IMAP credentials missing: set MAILSORT_IMAP_USERNAME and MAILSORT_IMAP_PASSWORD")
		}
		fallthrough
	case "sweep", "induct", "harvest":
		// All three call the model: classify, refine, describe-folder.
		if c.LLM.Model == "" {
			return apperr.Config("llm.model is required")
		}
	default:
		return apperr.Configf("unknown mode: %s", mode)
	}

	if c.IMAP.Configured() && mode != "watch" {
		if c.IMAP.Username == "" || c.IMAP.Password == "" {
			return apperr.Config("IMAP configured but credentials missing: set MAILSORT_IMAP_USERNAME and MAILSORT_IMAP_PASSWORD")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
