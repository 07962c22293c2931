package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"LiteratureScanner/internal/domain"
)

const (
	defaultTimezone  = "UTC"
	configPathEnv    = "LITERATURE_SCANNER_CONFIG"
	logLevelEnv      = "LOG_LEVEL"
	logFormatEnv     = "LOG_FORMAT"
	databaseDSNEnv   = "DATABASE_DSN"
	databaseDrvEnv   = "DATABASE_DRIVER"
	redisAddrEnv     = "REDIS_ADDR"
	redisPasswordEnv = "REDIS_PASSWORD"
	chatGPTAPIKeyEnv = "CHATGPT_API_KEY"
	chatGPTModelEnv  = "CHATGPT_MODEL"
	pubmedEmailEnv   = "PUBMED_EMAIL"
	pubmedAPIKeyEnv  = "PUBMED_API_KEY"
	httpAddrEnv      = "HTTP_ADDR"
)

// Storage drivers and cache backends understood by the application.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	CacheMemory = "memory"
	CacheRedis  = "redis"

	AnalysisChatGPT = "chatgpt"
	AnalysisService = "service"
)

// Adapter names a source config may refer to.
var knownSources = map[string]struct{}{
	"pubmed":        {},
	"biorxiv":       {},
	"medrxiv":       {},
	"arxiv":         {},
	"arxiv-listing": {},
}

// Config holds high-level settings required across the application.
type Config struct {
	Logging       LoggingConfig      `yaml:"logging"`
	Database      DatabaseConfig     `yaml:"database"`
	Cache         CacheConfig        `yaml:"cache"`
	Pipeline      PipelineConfig     `yaml:"pipeline"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	ImpactFactors ImpactFactorConfig `yaml:"impactFactors"`
	ChatGPT       ChatGPTConfig      `yaml:"chatgpt"`
	ML            MLConfig           `yaml:"ml"`
	Analysis      AnalysisConfig     `yaml:"analysis"`
	HTTP          HTTPConfig         `yaml:"http"`
	Sources       []SourceConfig     `yaml:"sources"`
	Groups        []GroupConfig      `yaml:"groups"`
}

// LoggingConfig selects the slog level and handler format (text or json).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig describes the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CacheConfig describes the fetch cache.
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig wires the Redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PipelineConfig tunes update cycles.
type PipelineConfig struct {
	MaxConcurrency int           `yaml:"maxConcurrency"`
	CycleTimeout   time.Duration `yaml:"cycleTimeout"`
	MaxResults     int           `yaml:"maxResults"`
	Lookback       time.Duration `yaml:"lookback"`
	Retry          RetryConfig   `yaml:"retry"`
	TitleThreshold float64       `yaml:"titleThreshold"`
	FuzzyThreshold float64       `yaml:"fuzzyThreshold"`
}

// RetryConfig shapes the retry policy for transient source failures.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// SchedulerConfig defines when active groups update automatically.
type SchedulerConfig struct {
	Enabled    bool           `yaml:"enabled"`
	Interval   time.Duration  `yaml:"interval"`
	RunOnStart bool           `yaml:"runOnStart"`
	Timezone   string         `yaml:"timezone"`
	location   *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	loc, _ := time.LoadLocation(defaultTimezone)
	return loc
}

// ImpactFactorConfig points at an optional reference table overriding the embedded one.
type ImpactFactorConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// ChatGPTConfig defines how to contact an OpenAI-compatible chat API.
type ChatGPTConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"apiKey"`
	SystemPrompt string        `yaml:"systemPrompt"`
	Timeout      time.Duration `yaml:"timeout"`
}

// MLConfig describes a self-hosted analysis service.
type MLConfig struct {
	InferenceURL string `yaml:"inferenceUrl"`
	APIKey       string `yaml:"apiKey"`
}

// AnalysisConfig selects the analyzer and bounds its use per cycle.
type AnalysisConfig struct {
	Provider    string `yaml:"provider"`
	MaxPerCycle int    `yaml:"maxPerCycle"`
}

// HTTPConfig holds the API listen address. Empty disables the server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SourceConfig enables one adapter and tunes its transport.
type SourceConfig struct {
	Name              string            `yaml:"name"`
	Disabled          bool              `yaml:"disabled"`
	BaseURL           string            `yaml:"baseUrl"`
	RequestsPerSecond float64           `yaml:"requestsPerSecond"`
	CacheTTL          time.Duration     `yaml:"cacheTtl"`
	Email             string            `yaml:"email"`
	APIKey            string            `yaml:"apiKey"`
	Options           map[string]string `yaml:"options"`
}

// GroupConfig is a keyword group created on first start when missing.
type GroupConfig struct {
	Name     string        `yaml:"name"`
	Terms    []domain.Term `yaml:"terms"`
	MinScore float64       `yaml:"minScore"`
	Active   *bool         `yaml:"active"`
}

// KeywordGroup converts the config entry. Groups are active unless stated otherwise.
func (g GroupConfig) KeywordGroup() domain.KeywordGroup {
	active := true
	if g.Active != nil {
		active = *g.Active
	}
	return domain.KeywordGroup{Name: g.Name, Terms: g.Terms, MinScore: g.MinScore, Active: active}
}

// EnabledSources returns the source names cycles should run.
func (c Config) EnabledSources() []string {
	var out []string
	for _, s := range c.Sources {
		if !s.Disabled {
			out = append(out, s.Name)
		}
	}
	return out
}

// Load reads .env, the YAML file (if present) and environment overrides, then validates.
func Load() (Config, error) {
	// A missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()
	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if cfg, err = Parse(raw); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.bindTimezone(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults; keys absent from raw keep their default.
func Parse(raw []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the application cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not supported", c.Logging.Format))
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("cache.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive"))
	}

	if c.Pipeline.MaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.maxConcurrency must be positive"))
	}
	if c.Pipeline.CycleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.cycleTimeout must be positive"))
	}
	if c.Pipeline.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.retry.maxAttempts must be positive"))
	}
	if t := c.Pipeline.TitleThreshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("pipeline.titleThreshold must be in (0, 1]"))
	}

	seen := map[string]struct{}{}
	for _, s := range c.Sources {
		if _, ok := knownSources[s.Name]; !ok {
			errs = append(errs, fmt.Errorf("sources: unknown adapter %q", s.Name))
		}
		if _, dup := seen[s.Name]; dup {
			errs = append(errs, fmt.Errorf("sources: %q listed twice", s.Name))
		}
		seen[s.Name] = struct{}{}
	}
	if len(c.EnabledSources()) == 0 {
		errs = append(errs, fmt.Errorf("sources: at least one source must be enabled"))
	}

	switch c.Analysis.Provider {
	case "":
	case AnalysisChatGPT:
		if c.ChatGPT.Endpoint == "" || c.ChatGPT.Model == "" {
			errs = append(errs, fmt.Errorf("chatgpt endpoint and model are required for analysis"))
		}
	case AnalysisService:
		if c.ML.InferenceURL == "" {
			errs = append(errs, fmt.Errorf("ml.inferenceUrl is required for analysis"))
		}
	default:
		errs = append(errs, fmt.Errorf("analysis.provider %q is not supported", c.Analysis.Provider))
	}

	for i, g := range c.Groups {
		if strings.TrimSpace(g.Name) == "" {
			errs = append(errs, fmt.Errorf("groups[%d]: name is required", i))
		}
		if _, err := domain.NormalizeTerms(g.Terms); err != nil {
			errs = append(errs, fmt.Errorf("groups[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(logFormatEnv); v != "" {
		c.Logging.Format = v
	}

	if v := os.Getenv(databaseDrvEnv); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(redisAddrEnv); v != "" {
		c.Cache.Backend = CacheRedis
		c.Cache.Redis.Addr = v
	}
	if v := os.Getenv(redisPasswordEnv); v != "" {
		c.Cache.Redis.Password = v
	}

	if v := os.Getenv(chatGPTAPIKeyEnv); v != "" {
		c.ChatGPT.APIKey = v
	}
	if v := os.Getenv(chatGPTModelEnv); v != "" {
		c.ChatGPT.Model = v
	}

	for i := range c.Sources {
		if c.Sources[i].Name != "pubmed" {
			continue
		}
		if v := os.Getenv(pubmedEmailEnv); v != "" {
			c.Sources[i].Email = v
		}
		if v := os.Getenv(pubmedAPIKeyEnv); v != "" {
			c.Sources[i].APIKey = v
		}
	}

	if v := os.Getenv(httpAddrEnv); v != "" {
		c.HTTP.Addr = v
	}
}

func (c *Config) bindTimezone() error {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("scheduler.timezone %q: %w", tz, err)
	}
	c.Scheduler.location = loc
	return nil
}

func defaultConfig() Config {
	tz, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Database: DatabaseConfig{Driver: DriverSQLite, DSN: "literature.db"},
		Cache: CacheConfig{
			Backend:       CacheMemory,
			TTL:           24 * time.Hour,
			SweepInterval: time.Hour,
			Redis:         RedisConfig{Prefix: "literaturescanner:cache:"},
		},
		Pipeline: PipelineConfig{
			MaxConcurrency: 4,
			CycleTimeout:   5 * time.Minute,
			MaxResults:     100,
			Lookback:       7 * 24 * time.Hour,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 2 * time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2,
			},
			TitleThreshold: 0.9,
			FuzzyThreshold: 0.8,
		},
		Scheduler: SchedulerConfig{Enabled: true, Interval: 24 * time.Hour, Timezone: defaultTimezone, location: tz},
		ChatGPT: ChatGPTConfig{
			Endpoint:     "https://api.openai.com/v1/chat/completions",
			Model:        "gpt-4o-mini",
			SystemPrompt: "You are an expert in biomedical research.",
			Timeout:      60 * time.Second,
		},
		Analysis: AnalysisConfig{MaxPerCycle: 10},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Sources: []SourceConfig{
			{Name: "pubmed"},
			{Name: "biorxiv", Options: map[string]string{"maxPages": "5"}},
			{Name: "medrxiv", Options: map[string]string{"maxPages": "5"}},
			{Name: "arxiv", Options: map[string]string{"categories": "q-bio.BM,q-bio.QM"}},
			{Name: "arxiv-listing", Disabled: true, Options: map[string]string{"categories": "q-bio.BM"}},
		},
	}
}
