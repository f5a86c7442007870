// Package config loads process configuration from CONVOFLOW_* environment
// variables, optionally hydrated from a .env file. Load runs once at
// startup; the resulting Config is a plain value and never changes for the
// lifetime of the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every process-wide knob. Zero values mean "use the
// component's default" unless a field documents otherwise.
type Config struct {
	// DefaultModelID is the registry capability id used when a workflow
	// node names no model.
	DefaultModelID string

	// RequestCostCapUSD refuses model calls whose projected cost exceeds
	// it. Zero disables the cap.
	RequestCostCapUSD float64

	// TokenCap refuses model calls whose projected input tokens exceed it.
	// Zero disables the cap.
	TokenCap int

	// EmergencyCostThresholdUSD refuses, unconditionally, any call whose
	// projected cost reaches it. Zero disables the threshold.
	EmergencyCostThresholdUSD float64

	// PromptArchive controls sampled prompt logging.
	PromptArchive PromptArchive

	// PromptLogSampleRate is the fraction of prompt builds archived.
	PromptLogSampleRate float64

	// VectorIndexName is the search index name used by the Mongo vector
	// adapter.
	VectorIndexName string

	// VectorURI is the vector store connection string.
	VectorURI string

	// DatabaseDSN is the snapshot/memory store connection string. The
	// scheme selects the driver (sqlite path, mysql dsn, postgres url).
	DatabaseDSN string

	// Region is the cloud region for Bedrock and friends.
	Region string

	// RedisAddr is the progress Redis Streams address. Empty disables the
	// Redis sink.
	RedisAddr string

	// StepTimeout bounds a whole invocation's wall time. Zero means no
	// timeout.
	StepTimeout time.Duration

	// MaxSteps caps the number of executor steps per invocation. Zero
	// means the executor default.
	MaxSteps int
}

// PromptArchive mirrors the prompt engine's archive knobs.
type PromptArchive struct {
	Enabled  bool
	MaxLines int
	MaxChars int
	Redact   bool
}

// Load reads the environment, first hydrating it from envFile when the file
// exists. A missing envFile is not an error; a malformed one is.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, fmt.Errorf("config: load %s: %w", envFile, err)
			}
		}
	}

	var cfg Config
	var err error

	cfg.DefaultModelID = getString("CONVOFLOW_DEFAULT_MODEL_ID", "")
	if cfg.RequestCostCapUSD, err = getFloat("CONVOFLOW_REQUEST_COST_CAP_USD", 0); err != nil {
		return Config{}, err
	}
	if cfg.TokenCap, err = getInt("CONVOFLOW_TOKEN_CAP", 0); err != nil {
		return Config{}, err
	}
	if cfg.EmergencyCostThresholdUSD, err = getFloat("CONVOFLOW_EMERGENCY_COST_THRESHOLD_USD", 0); err != nil {
		return Config{}, err
	}

	if cfg.PromptArchive.Enabled, err = getBool("CONVOFLOW_PROMPT_ARCHIVE_ENABLED", false); err != nil {
		return Config{}, err
	}
	if cfg.PromptArchive.MaxLines, err = getInt("CONVOFLOW_PROMPT_ARCHIVE_MAX_LINES", 8); err != nil {
		return Config{}, err
	}
	if cfg.PromptArchive.MaxChars, err = getInt("CONVOFLOW_PROMPT_ARCHIVE_MAX_CHARS", 400); err != nil {
		return Config{}, err
	}
	if cfg.PromptArchive.Redact, err = getBool("CONVOFLOW_PROMPT_ARCHIVE_REDACT", true); err != nil {
		return Config{}, err
	}
	if cfg.PromptLogSampleRate, err = getFloat("CONVOFLOW_PROMPT_LOG_SAMPLE_RATE", 0.02); err != nil {
		return Config{}, err
	}

	cfg.VectorIndexName = getString("CONVOFLOW_VECTOR_INDEX_NAME", "convoflow-context")
	cfg.VectorURI = getString("CONVOFLOW_VECTOR_URI", "")
	cfg.DatabaseDSN = getString("CONVOFLOW_DATABASE_DSN", "")
	cfg.Region = getString("CONVOFLOW_REGION", "us-east-1")
	cfg.RedisAddr = getString("CONVOFLOW_REDIS_ADDR", "")

	if cfg.StepTimeout, err = getDuration("CONVOFLOW_STEP_TIMEOUT", 0); err != nil {
		return Config{}, err
	}
	if cfg.MaxSteps, err = getInt("CONVOFLOW_MAX_STEPS", 0); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.RequestCostCapUSD < 0 || c.EmergencyCostThresholdUSD < 0 {
		return fmt.Errorf("config: cost caps must be non-negative")
	}
	if c.EmergencyCostThresholdUSD > 0 && c.EmergencyCostThresholdUSD < c.RequestCostCapUSD {
		return fmt.Errorf("config: emergency threshold %.4f below request cap %.4f",
			c.EmergencyCostThresholdUSD, c.RequestCostCapUSD)
	}
	if c.PromptLogSampleRate < 0 || c.PromptLogSampleRate > 1 {
		return fmt.Errorf("config: prompt log sample rate %v outside [0, 1]", c.PromptLogSampleRate)
	}
	return nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a number", key, v)
	}
	return f, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s=%q is not a boolean", key, v)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a duration", key, v)
	}
	return d, nil
}
