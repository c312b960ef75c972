package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Input  string
	Output string

	Checkpoint CheckpointConfig
	Translate  TranslateConfig
	Score      ScoreConfig
	Retry      RetryConfig
	Aggregate  AggregateConfig

	Workers   int
	RateRPS   int
	RateBurst int

	HTTP  HTTPConfig
	Watch bool
}

type CheckpointConfig struct {
	SQLitePath string
}

type TranslateConfig struct {
	Enabled    bool
	URL        string
	TargetLang string
}

type ScoreConfig struct {
	URL string
}

type RetryConfig struct {
	Attempts      int
	BackoffBaseMS int
	BackoffMaxMS  int
	CallTimeoutMS int
}

type AggregateConfig struct {
	Combiner  string
	Threshold float64
}

type HTTPConfig struct {
	Addr    string
	Metrics bool
}

const (
	defaultSQLitePath   = "modpipe.db"
	defaultTranslateURL = "http://localhost:7000/translate"
	defaultScoreURL     = "http://localhost:8000/score"
	defaultWorkers      = 4
	defaultAttempts     = 3
	defaultBackoffBase  = 250
	defaultBackoffMax   = 5000
	defaultCallTimeout  = 10000
	defaultCombiner     = "avg"
	defaultThreshold    = 0.5
)

func Load() Config {
	cfg := Config{}

	cfg.Input = strings.TrimSpace(os.Getenv("MODPIPE_INPUT"))
	cfg.Output = strings.TrimSpace(os.Getenv("MODPIPE_OUTPUT"))

	cfg.Checkpoint.SQLitePath = strings.TrimSpace(os.Getenv("MODPIPE_SQLITE_PATH"))
	if cfg.Checkpoint.SQLitePath == "" {
		cfg.Checkpoint.SQLitePath = defaultSQLitePath
	}

	cfg.Translate.Enabled = readBool("MODPIPE_TRANSLATE", true)
	cfg.Translate.URL = readString("MODPIPE_TRANSLATE_URL", defaultTranslateURL)
	cfg.Translate.TargetLang = strings.ToLower(strings.TrimSpace(os.Getenv("MODPIPE_TARGET_LANG")))

	cfg.Score.URL = readString("MODPIPE_SCORE_URL", defaultScoreURL)

	cfg.Retry.Attempts = readInt("MODPIPE_RETRY_ATTEMPTS", defaultAttempts)
	cfg.Retry.BackoffBaseMS = readInt("MODPIPE_RETRY_BASE_MS", defaultBackoffBase)
	cfg.Retry.BackoffMaxMS = readInt("MODPIPE_RETRY_MAX_MS", defaultBackoffMax)
	cfg.Retry.CallTimeoutMS = readInt("MODPIPE_CALL_TIMEOUT_MS", defaultCallTimeout)

	cfg.Aggregate.Combiner = readString("MODPIPE_COMBINER", defaultCombiner)
	cfg.Aggregate.Threshold = readFloat("MODPIPE_THRESHOLD", defaultThreshold)

	cfg.Workers = readInt("MODPIPE_WORKERS", defaultWorkers)
	cfg.RateRPS = readIntAllowZero("MODPIPE_RATE_RPS", 0)
	cfg.RateBurst = readInt("MODPIPE_RATE_BURST", 1)

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("MODPIPE_HTTP_ADDR"))
	cfg.HTTP.Metrics = readBool("MODPIPE_HTTP_METRICS", true)

	cfg.Watch = readBool("MODPIPE_WATCH", false)

	return cfg
}

func readString(name, def string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	return raw
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readIntAllowZero(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func readFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseMS) * time.Millisecond
}

func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Retry.BackoffMaxMS) * time.Millisecond
}

func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Retry.CallTimeoutMS) * time.Millisecond
}

type Summary struct {
	Input       string  `json:"input"`
	Output      string  `json:"output"`
	SQLitePath  string  `json:"sqlite_path"`
	Workers     int     `json:"workers"`
	Translate   bool    `json:"translate"`
	TargetLang  string  `json:"target_lang,omitempty"`
	Combiner    string  `json:"combiner"`
	Threshold   float64 `json:"threshold"`
	Attempts    int     `json:"retry_attempts"`
	RateRPS     int     `json:"rate_rps"`
	HTTPAddr    string  `json:"http_addr,omitempty"`
	HTTPMetrics bool    `json:"http_metrics"`
	Watch       bool    `json:"watch"`
}

func (c Config) Summary() Summary {
	return Summary{
		Input:       c.Input,
		Output:      c.Output,
		SQLitePath:  c.Checkpoint.SQLitePath,
		Workers:     c.Workers,
		Translate:   c.Translate.Enabled,
		TargetLang:  c.Translate.TargetLang,
		Combiner:    c.Aggregate.Combiner,
		Threshold:   c.Aggregate.Threshold,
		Attempts:    c.Retry.Attempts,
		RateRPS:     c.RateRPS,
		HTTPAddr:    c.HTTP.Addr,
		HTTPMetrics: c.HTTP.Metrics,
		Watch:       c.Watch,
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
