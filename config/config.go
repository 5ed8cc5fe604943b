package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the assistant.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Search    SearchConfig    `mapstructure:"search"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	WebFetch  WebFetchConfig  `mapstructure:"web_fetch"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	File     FileConfig     `mapstructure:"file"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// FileConfig locates the JSON data root. An empty DataDir resolves to
// ~/.playbook at load time.
type FileConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// RedisConfig contains Redis connection settings. Redis is optional and
// powers the second cache tier plus scheduler locks.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required when redis is enabled")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when redis is enabled")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// PostgresConfig contains the optional research-archive connection.
type PostgresConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a lib/pq connection string from the individual fields when no
// URL is supplied.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	sslmode := p.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, sslmode)
}

// SearchConfig controls the retrieval layer.
type SearchConfig struct {
	// Providers is the priority order the orchestrator consults.
	Providers    []string      `mapstructure:"providers"`
	TavilyAPIKey string        `mapstructure:"tavily_api_key"`
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	NewsAPIKey   string        `mapstructure:"newsapi_api_key"`
	MaxResults   int           `mapstructure:"max_results"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	HardTimeout  time.Duration `mapstructure:"hard_timeout"`
	// Strategy selects the provider call model: sequential or fanout.
	Strategy    string        `mapstructure:"strategy"`
	FanoutLimit int           `mapstructure:"fanout_limit"`
	RedisCache  bool          `mapstructure:"redis_cache"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

func (s SearchConfig) Validate() error {
	switch s.Strategy {
	case "", "sequential", "fanout":
	default:
		return fmt.Errorf("search.strategy must be sequential or fanout, got %q", s.Strategy)
	}
	for _, p := range s.Providers {
		switch p {
		case "tavily", "brave", "serper", "newsapi":
		default:
			return fmt.Errorf("search.providers: unknown provider %q", p)
		}
	}
	return nil
}

// LLMConfig contains generative-model provider configurations.
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration.
type LLMProvider struct {
	Type    string              `mapstructure:"type"` // openai or openai-compatible
	APIKey  string              `mapstructure:"api_key"`
	BaseURL string              `mapstructure:"base_url"`
	Models  map[string]LLMModel `mapstructure:"models"`
	Timeout time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration.
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig maps pipeline stages to model names.
type LLMRoutingConfig struct {
	Assessment  string `mapstructure:"assessment"`  // impact assessment calls
	Research    string `mapstructure:"research"`    // deep-research synthesis
	Interview   string `mapstructure:"interview"`   // playbook interviews
	Preferences string `mapstructure:"preferences"` // preference extraction
	Fallback    string `mapstructure:"fallback"`
}

// ModelFor resolves the model for a routing stage, falling back to the
// configured fallback model.
func (l LLMConfig) ModelFor(stage string) string {
	var name string
	switch stage {
	case "assessment":
		name = l.Routing.Assessment
	case "research":
		name = l.Routing.Research
	case "interview":
		name = l.Routing.Interview
	case "preferences":
		name = l.Routing.Preferences
	}
	if name == "" {
		name = l.Routing.Fallback
	}
	return name
}

// BudgetConfig bounds a research cycle.
type BudgetConfig struct {
	MaxCost           float64       `mapstructure:"max_cost"`
	MaxTokens         int64         `mapstructure:"max_tokens"`
	MaxTime           time.Duration `mapstructure:"max_time"`
	RequireApproval   bool          `mapstructure:"require_approval"`
	ApprovalThreshold float64       `mapstructure:"approval_threshold"`
}

// SchedulerConfig controls recurring environment checks.
type SchedulerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Tick        time.Duration `mapstructure:"tick"`
	DefaultCron string        `mapstructure:"default_cron"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

// WebFetchConfig controls the headless page fetcher.
type WebFetchConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxPages  int           `mapstructure:"max_pages"`
	UserAgent string        `mapstructure:"user_agent"`
}

// TelemetryConfig contains monitoring settings.
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
	PeriodicLogs bool `mapstructure:"periodic_logs"`
}

// Validate checks cross-section constraints.
func (c *Config) Validate() error {
	if err := c.Storage.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Postgres.Validate(); err != nil {
		return err
	}
	if err := c.Search.Validate(); err != nil {
		return err
	}
	if c.Search.RedisCache && !c.Storage.Redis.Enabled {
		return fmt.Errorf("search.redis_cache requires storage.redis.enabled")
	}
	if c.Scheduler.Enabled && !c.Storage.Redis.Enabled {
		return fmt.Errorf("scheduler.enabled requires storage.redis.enabled for run locks")
	}
	return nil
}

// Normalize resolves defaults that depend on the environment: the data
// root, and API keys that the original deployment passes through bare
// environment variables rather than prefixed ones.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Storage.File.DataDir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.Storage.File.DataDir = filepath.Join(home, ".playbook")
	}

	if c.Search.TavilyAPIKey == "" {
		c.Search.TavilyAPIKey = os.Getenv("TAVILY_API_KEY")
	}
	if c.Search.BraveAPIKey == "" {
		c.Search.BraveAPIKey = os.Getenv("BRAVE_API_KEY")
	}
	if c.Search.SerperAPIKey == "" {
		c.Search.SerperAPIKey = os.Getenv("SERPER_API_KEY")
	}
	if c.Search.NewsAPIKey == "" {
		c.Search.NewsAPIKey = os.Getenv("NEWSAPI_API_KEY")
	}

	for name, p := range c.LLM.Providers {
		if p.APIKey == "" {
			p.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if p.BaseURL == "" {
			p.BaseURL = os.Getenv("OPENAI_BASE_URL")
		}
		c.LLM.Providers[name] = p
	}
}

// LoadConfig loads config from file or the PLAYBOOK_* environment.
func LoadConfig(path string) *Config {
	viper.SetConfigName("playbook")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", 60*time.Second)
	viper.SetDefault("server.address", ":8787")
	viper.SetDefault("search.providers", []string{"tavily", "brave", "serper", "newsapi"})
	viper.SetDefault("search.max_results", 10)
	viper.SetDefault("search.cache_ttl", 12*time.Hour)
	viper.SetDefault("search.hard_timeout", 25*time.Second)
	viper.SetDefault("search.strategy", "sequential")
	viper.SetDefault("search.fanout_limit", 4)
	viper.SetDefault("search.http_timeout", 20*time.Second)
	viper.SetDefault("storage.redis.timeout", 5*time.Second)
	viper.SetDefault("storage.postgres.timeout", 10*time.Second)
	viper.SetDefault("budget.max_time", 10*time.Minute)
	viper.SetDefault("scheduler.tick", time.Minute)
	viper.SetDefault("scheduler.default_cron", "@daily")
	viper.SetDefault("scheduler.lock_ttl", 30*time.Minute)
	viper.SetDefault("web_fetch.timeout", 30*time.Second)
	viper.SetDefault("web_fetch.max_pages", 3)
	viper.SetDefault("llm.routing.fallback", "gpt-4o-mini")

	if path == "" {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".playbook"))
		}
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("PLAYBOOK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Env-only operation is supported; a missing file is fine unless
		// the caller named one explicitly.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	config.Normalize()
	if err := config.Validate(); err != nil {
		panic(err)
	}
	return &config
}
