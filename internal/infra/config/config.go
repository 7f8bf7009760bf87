package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Limiter   LimiterConfig   `yaml:"limiter"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	RAG       RAGConfig       `yaml:"rag"`
	Search    SearchConfig    `yaml:"search"`
	MCP       MCPConfig       `yaml:"mcp"`
	Models    ModelsConfig    `yaml:"models"`
	Store     StoreConfig     `yaml:"store"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// ServerConfig holds HTTP ingress settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"` // main routing budget, default 180s
	ParseTimeout    time.Duration `yaml:"parse_timeout"`   // request extraction budget, default 30s
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`  // default 1MB
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"` // ingress burst limiter, default 100
	RateLimitBurst  int           `yaml:"rate_limit_burst"`   // default 20
}

// ProviderEndpoint is one upstream endpoint with its credential.
type ProviderEndpoint struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	APIVersion  string        `yaml:"api_version,omitempty"` // Azure
	Region      string        `yaml:"region,omitempty"`      // Bedrock
	ConnTimeout time.Duration `yaml:"conn_timeout,omitempty"`
	RespTimeout time.Duration `yaml:"resp_timeout,omitempty"`
}

// ProvidersConfig maps vendor name to endpoint settings.
type ProvidersConfig struct {
	OpenAI  ProviderEndpoint `yaml:"openai"`
	Azure   ProviderEndpoint `yaml:"azure"`
	Bedrock ProviderEndpoint `yaml:"bedrock"`
	Gemini  ProviderEndpoint `yaml:"gemini"`
}

// LimiterConfig holds rate-limiter cache TTLs and progressive-timeout knobs.
type LimiterConfig struct {
	AdminConfigTTL  time.Duration `yaml:"admin_config_ttl"`  // default 10m
	UserGroupsTTL   time.Duration `yaml:"user_groups_ttl"`   // default 5m
	LifetimeCostTTL time.Duration `yaml:"lifetime_cost_ttl"` // default 30s
}

// BreakerConfig holds circuit-breaker thresholds.
type BreakerConfig struct {
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"` // default 0.20
	CostPerHourLimit   float64       `yaml:"cost_per_hour_limit"`  // default $30
	Cooldown           time.Duration `yaml:"cooldown"`             // default 5m
	Window             time.Duration `yaml:"window"`               // rolling error window, default 5m
}

// RAGConfig holds retrieval endpoint settings.
type RAGConfig struct {
	APIBaseURL    string        `yaml:"api_base_url"`
	Limit         int           `yaml:"limit"`          // results per query, default 5
	MaxConcurrent int           `yaml:"max_concurrent"` // default 10
	Timeout       time.Duration `yaml:"timeout"`        // default 180s
}

// SearchConfig holds web-search provider keys, tried in priority order:
// Brave, Tavily, Serper, SerpAPI.
type SearchConfig struct {
	BraveAPIKey  string        `yaml:"brave_api_key"`
	TavilyAPIKey string        `yaml:"tavily_api_key"`
	SerperAPIKey string        `yaml:"serper_api_key"`
	SerpAPIKey   string        `yaml:"serpapi_key"`
	CacheTTL     time.Duration `yaml:"cache_ttl"` // default 15m
	MaxResults   int           `yaml:"max_results"`
}

// Configured reports whether any web-search provider key is present.
func (s SearchConfig) Configured() bool {
	return s.BraveAPIKey != "" || s.TavilyAPIKey != "" || s.SerperAPIKey != "" || s.SerpAPIKey != ""
}

// MCPServer is one user-registry tool server entry.
type MCPServer struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// MCPConfig holds MCP connection settings.
type MCPConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // default 10s
	CallTimeout      time.Duration `yaml:"call_timeout"`      // default 30s
	Servers          []MCPServer   `yaml:"servers"`
}

// ModelsConfig points at the alias file and registry cache policy.
type ModelsConfig struct {
	AliasFile   string        `yaml:"alias_file"`
	RegistryTTL time.Duration `yaml:"registry_ttl"` // default 10m
}

// StoreConfig holds the shared-store location.
type StoreConfig struct {
	DSN string `yaml:"dsn"` // SQLite DSN, default "file:amplify.db"
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, env-expands, and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued settings with their documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 180 * time.Second
	}
	if c.Server.ParseTimeout == 0 {
		c.Server.ParseTimeout = 30 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.RateLimitPerMin == 0 {
		c.Server.RateLimitPerMin = 100
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 20
	}
	if c.Limiter.AdminConfigTTL == 0 {
		c.Limiter.AdminConfigTTL = 10 * time.Minute
	}
	if c.Limiter.UserGroupsTTL == 0 {
		c.Limiter.UserGroupsTTL = 5 * time.Minute
	}
	if c.Limiter.LifetimeCostTTL == 0 {
		c.Limiter.LifetimeCostTTL = 30 * time.Second
	}
	if c.Breaker.ErrorRateThreshold == 0 {
		c.Breaker.ErrorRateThreshold = 0.20
	}
	if c.Breaker.CostPerHourLimit == 0 {
		c.Breaker.CostPerHourLimit = 30
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = 5 * time.Minute
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = 5 * time.Minute
	}
	if c.RAG.Limit == 0 {
		c.RAG.Limit = 5
	}
	if c.RAG.MaxConcurrent == 0 {
		c.RAG.MaxConcurrent = 10
	}
	if c.RAG.Timeout == 0 {
		c.RAG.Timeout = 180 * time.Second
	}
	if c.Search.CacheTTL == 0 {
		c.Search.CacheTTL = 15 * time.Minute
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = 5
	}
	if c.MCP.HandshakeTimeout == 0 {
		c.MCP.HandshakeTimeout = 10 * time.Second
	}
	if c.MCP.CallTimeout == 0 {
		c.MCP.CallTimeout = 30 * time.Second
	}
	if c.Models.RegistryTTL == 0 {
		c.Models.RegistryTTL = 10 * time.Minute
	}
	if c.Store.DSN == "" {
		c.Store.DSN = "file:amplify.db"
	}
}
