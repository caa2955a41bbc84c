// Package config loads the crawler's runtime configuration from the
// environment, the way the reference agent loads its own .env file, but
// typed and defaulted through viper so every knob the original Python
// config module exposed survives as a first-class field.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LLMConfig configures the vision-LLM provider.
type LLMConfig struct {
	Provider       string
	APIKey         string
	APIBase        string
	Model          string
	PlannerModel   string
	PlannerAPIKey  string
	PlannerAPIBase string
	Temperature    float64
	MaxTokens      int
	TraceEnabled   bool
	TraceFile      string
	TraceMaxChars  int
}

// BrowserConfig configures the Playwright launch.
type BrowserConfig struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	SlowMoMs       int
	TimeoutMs      int
}

// AgentConfig configures the navigator/explorer step budget.
type AgentConfig struct {
	MaxSteps      int
	MaxFailCount  int
	ScreenshotDir string
	OutputDir     string
}

// URLCollectorConfig configures exploration, collection, and the adaptive
// rate controller.
type URLCollectorConfig struct {
	ExploreCount          int
	MaxScrolls            int
	NoNewURLThreshold     int
	TargetURLCount        int
	MaxPages              int
	ActionDelayBase       time.Duration
	ActionDelayRandom     time.Duration
	PageLoadDelay         time.Duration
	ScrollDelay           time.Duration
	ValidateMarkID        bool
	MarkIDMatchThreshold  float64
	MaxValidationRetries  int
	BackoffFactor         float64
	MaxBackoffLevel       int
	CreditRecoveryPages   int
}

// RedisConfig configures the reliable work queue's backing store.
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           int
	Password       string
	DB             int
	KeyPrefix      string
	TaskTimeoutMs  int
	ConsumerName   string
	AutoRecover    bool
	FetchBatchSize int
	FetchBlockMs   int
	MaxRetries     int
}

// FieldExtractorConfig configures the per-field learning loop.
type FieldExtractorConfig struct {
	ExploreCount        int
	ValidateCount       int
	MaxNavSteps         int
	FuzzyMatchThreshold float64
}

// PipelineConfig configures the producer/consumer wiring.
type PipelineConfig struct {
	Mode               string // memory | file | redis
	MemoryQueueSize    int
	FilePollInterval   time.Duration
	FileCursorName     string
	FetchTimeout       time.Duration
	BatchFetchSize     int
	BatchFlushSize     int
	ConsumerConcurrency int
}

// Config aggregates every sub-configuration the pipeline needs.
type Config struct {
	LLM           LLMConfig
	Browser       BrowserConfig
	Agent         AgentConfig
	URLCollector  URLCollectorConfig
	Redis         RedisConfig
	FieldExtract  FieldExtractorConfig
	Pipeline      PipelineConfig
}

// Load reads .env (if present) and then the environment into a Config,
// matching defaults the original config module used.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		LLM: LLMConfig{
			Provider:       strings.ToLower(v.GetString("LLM_PROVIDER")),
			APIKey:         v.GetString("BAILIAN_API_KEY"),
			APIBase:        v.GetString("BAILIAN_API_BASE"),
			Model:          v.GetString("BAILIAN_MODEL"),
			PlannerModel:   v.GetString("SILICON_PLANNER_MODEL"),
			PlannerAPIKey:  v.GetString("SILICON_PLANNER_API_KEY"),
			PlannerAPIBase: v.GetString("SILICON_PLANNER_API_BASE"),
			Temperature:    v.GetFloat64("LLM_TEMPERATURE"),
			MaxTokens:      v.GetInt("LLM_MAX_TOKENS"),
			TraceEnabled:   v.GetBool("LLM_TRACE_ENABLED"),
			TraceFile:      v.GetString("LLM_TRACE_FILE"),
			TraceMaxChars:  v.GetInt("LLM_TRACE_MAX_CHARS"),
		},
		Browser: BrowserConfig{
			Headless:       v.GetBool("HEADLESS"),
			ViewportWidth:  v.GetInt("VIEWPORT_WIDTH"),
			ViewportHeight: v.GetInt("VIEWPORT_HEIGHT"),
			SlowMoMs:       v.GetInt("SLOW_MO"),
			TimeoutMs:      v.GetInt("STEP_TIMEOUT_MS"),
		},
		Agent: AgentConfig{
			MaxSteps:      v.GetInt("MAX_STEPS"),
			MaxFailCount:  v.GetInt("MAX_FAIL_COUNT"),
			ScreenshotDir: v.GetString("SCREENSHOT_DIR"),
			OutputDir:     v.GetString("OUTPUT_DIR"),
		},
		URLCollector: URLCollectorConfig{
			ExploreCount:         v.GetInt("EXPLORE_COUNT"),
			MaxScrolls:           v.GetInt("MAX_SCROLLS"),
			NoNewURLThreshold:    v.GetInt("NO_NEW_URL_THRESHOLD"),
			TargetURLCount:       v.GetInt("TARGET_URL_COUNT"),
			MaxPages:             v.GetInt("MAX_PAGES"),
			ActionDelayBase:      floatSeconds(v.GetFloat64("ACTION_DELAY_BASE")),
			ActionDelayRandom:    floatSeconds(v.GetFloat64("ACTION_DELAY_RANDOM")),
			PageLoadDelay:        floatSeconds(v.GetFloat64("PAGE_LOAD_DELAY")),
			ScrollDelay:          floatSeconds(v.GetFloat64("SCROLL_DELAY")),
			ValidateMarkID:       v.GetBool("VALIDATE_MARK_ID"),
			MarkIDMatchThreshold: v.GetFloat64("MARK_ID_MATCH_THRESHOLD"),
			MaxValidationRetries: v.GetInt("MAX_VALIDATION_RETRIES"),
			BackoffFactor:        v.GetFloat64("BACKOFF_FACTOR"),
			MaxBackoffLevel:      v.GetInt("MAX_BACKOFF_LEVEL"),
			CreditRecoveryPages:  v.GetInt("CREDIT_RECOVERY_PAGES"),
		},
		Redis: RedisConfig{
			Enabled:        v.GetBool("REDIS_ENABLED"),
			Host:           v.GetString("REDIS_HOST"),
			Port:           v.GetInt("REDIS_PORT"),
			Password:       v.GetString("REDIS_PASSWORD"),
			DB:             v.GetInt("REDIS_DB"),
			KeyPrefix:      v.GetString("REDIS_KEY_PREFIX"),
			TaskTimeoutMs:  v.GetInt("REDIS_TASK_TIMEOUT_MS"),
			ConsumerName:   v.GetString("REDIS_CONSUMER_NAME"),
			AutoRecover:    v.GetBool("REDIS_AUTO_RECOVER"),
			FetchBatchSize: v.GetInt("REDIS_FETCH_BATCH_SIZE"),
			FetchBlockMs:   v.GetInt("REDIS_FETCH_BLOCK_MS"),
			MaxRetries:     v.GetInt("REDIS_MAX_RETRIES"),
		},
		FieldExtract: FieldExtractorConfig{
			ExploreCount:        v.GetInt("FIELD_EXPLORE_COUNT"),
			ValidateCount:       v.GetInt("FIELD_VALIDATE_COUNT"),
			MaxNavSteps:         v.GetInt("FIELD_MAX_NAV_STEPS"),
			FuzzyMatchThreshold: v.GetFloat64("FIELD_FUZZY_THRESHOLD"),
		},
		Pipeline: PipelineConfig{
			Mode:                v.GetString("PIPELINE_MODE"),
			MemoryQueueSize:     v.GetInt("PIPELINE_MEMORY_QUEUE_SIZE"),
			FilePollInterval:    floatSeconds(v.GetFloat64("PIPELINE_FILE_POLL_INTERVAL")),
			FileCursorName:      v.GetString("PIPELINE_FILE_CURSOR_NAME"),
			FetchTimeout:        floatSeconds(v.GetFloat64("PIPELINE_FETCH_TIMEOUT")),
			BatchFetchSize:      v.GetInt("PIPELINE_BATCH_FETCH_SIZE"),
			BatchFlushSize:      v.GetInt("PIPELINE_BATCH_FLUSH_SIZE"),
			ConsumerConcurrency: v.GetInt("PIPELINE_CONSUMER_CONCURRENCY"),
		},
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.Mode != "memory" && c.Pipeline.Mode != "file" && c.Pipeline.Mode != "redis" {
		return fmt.Errorf("config: invalid pipeline mode %q", c.Pipeline.Mode)
	}
	return nil
}

func floatSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("BAILIAN_API_BASE", "https://api.siliconflow.cn/v1")
	v.SetDefault("BAILIAN_MODEL", "Qwen3-VL-235B-A22B-Instruct")
	v.SetDefault("LLM_TEMPERATURE", 0.1)
	v.SetDefault("LLM_MAX_TOKENS", 8192)
	v.SetDefault("LLM_TRACE_ENABLED", true)
	v.SetDefault("LLM_TRACE_FILE", "output/llm_trace.jsonl")
	v.SetDefault("LLM_TRACE_MAX_CHARS", 20000)

	v.SetDefault("HEADLESS", false)
	v.SetDefault("VIEWPORT_WIDTH", 1280)
	v.SetDefault("VIEWPORT_HEIGHT", 720)
	v.SetDefault("SLOW_MO", 0)
	v.SetDefault("STEP_TIMEOUT_MS", 30000)

	v.SetDefault("MAX_STEPS", 20)
	v.SetDefault("MAX_FAIL_COUNT", 3)
	v.SetDefault("SCREENSHOT_DIR", "screenshots")
	v.SetDefault("OUTPUT_DIR", "output")

	v.SetDefault("EXPLORE_COUNT", 3)
	v.SetDefault("MAX_SCROLLS", 5)
	v.SetDefault("NO_NEW_URL_THRESHOLD", 2)
	v.SetDefault("TARGET_URL_COUNT", 400)
	v.SetDefault("MAX_PAGES", 40)
	v.SetDefault("ACTION_DELAY_BASE", 1.0)
	v.SetDefault("ACTION_DELAY_RANDOM", 0.5)
	v.SetDefault("PAGE_LOAD_DELAY", 1.5)
	v.SetDefault("SCROLL_DELAY", 0.5)
	v.SetDefault("VALIDATE_MARK_ID", true)
	v.SetDefault("MARK_ID_MATCH_THRESHOLD", 0.6)
	v.SetDefault("MAX_VALIDATION_RETRIES", 1)
	v.SetDefault("BACKOFF_FACTOR", 1.5)
	v.SetDefault("MAX_BACKOFF_LEVEL", 3)
	v.SetDefault("CREDIT_RECOVERY_PAGES", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "autospider:urls")
	v.SetDefault("REDIS_TASK_TIMEOUT_MS", 300000)
	v.SetDefault("REDIS_AUTO_RECOVER", true)
	v.SetDefault("REDIS_FETCH_BATCH_SIZE", 10)
	v.SetDefault("REDIS_FETCH_BLOCK_MS", 5000)
	v.SetDefault("REDIS_MAX_RETRIES", 3)

	v.SetDefault("FIELD_EXPLORE_COUNT", 3)
	v.SetDefault("FIELD_VALIDATE_COUNT", 2)
	v.SetDefault("FIELD_MAX_NAV_STEPS", 20)
	v.SetDefault("FIELD_FUZZY_THRESHOLD", 0.8)

	v.SetDefault("PIPELINE_MODE", "redis")
	v.SetDefault("PIPELINE_MEMORY_QUEUE_SIZE", 1000)
	v.SetDefault("PIPELINE_FILE_POLL_INTERVAL", 1.0)
	v.SetDefault("PIPELINE_FILE_CURSOR_NAME", "urls.cursor.json")
	v.SetDefault("PIPELINE_FETCH_TIMEOUT", 5.0)
	v.SetDefault("PIPELINE_BATCH_FETCH_SIZE", 20)
	v.SetDefault("PIPELINE_BATCH_FLUSH_SIZE", 20)
	v.SetDefault("PIPELINE_CONSUMER_CONCURRENCY", 3)
}
