package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ESTATEAI_"

// encPrefix marks a secret encrypted with EncryptValue.
const encPrefix = "enc:"

// Config is the root configuration.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	LLM      LLMConfig      `yaml:"llm"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Store    StoreConfig    `yaml:"store"`
	Channels ChannelsConfig `yaml:"channels"`
	Server   ServerConfig   `yaml:"server"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
}

// AgentConfig controls the orchestration loop.
type AgentConfig struct {
	MaxIterations     int           `yaml:"max_iterations"`
	Timeout           time.Duration `yaml:"timeout"`      // whole turn
	ToolTimeout       time.Duration `yaml:"tool_timeout"` // per tool call
	SystemPrompt      string        `yaml:"system_prompt"`
	SupersedeInFlight bool          `yaml:"supersede_in_flight"`
	ContextMessages   int           `yaml:"context_messages"`   // history messages sent to the model
	ContextMaxTokens  int           `yaml:"context_max_tokens"` // 0 = no token budget
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	FallbackReply     string        `yaml:"fallback_reply"`
}

// FailoverConfig holds model failover settings.
type FailoverConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Fallbacks []string `yaml:"fallbacks"`
}

// LLMConfig holds model provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings shared by model
// providers and the property gateway.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single model provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // openai | bedrock
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// GatewayConfig configures the Firecrawl-backed property data gateway.
type GatewayConfig struct {
	BaseURL        string               `yaml:"base_url"`
	APIKey         string               `yaml:"api_key"`
	Timeout        time.Duration        `yaml:"timeout"` // per gateway operation, polling included
	MaxRetries     int                  `yaml:"max_retries"`
	RetryWait      time.Duration        `yaml:"retry_wait"`
	RetryMaxWait   time.Duration        `yaml:"retry_max_wait"`
	PollInterval   time.Duration        `yaml:"poll_interval"`
	ListingSources []string             `yaml:"listing_sources"` // URL templates with {region}
	MarketSources  []string             `yaml:"market_sources"`
	CacheSize      int                  `yaml:"cache_size"` // 0 disables the cache
	CacheTTL       time.Duration        `yaml:"cache_ttl"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pool           PoolConfig           `yaml:"pool"`
}

// StoreConfig selects and configures the conversation store.
type StoreConfig struct {
	Backend      string           `yaml:"backend"` // memory | file | sqlite | redis
	Dir          string           `yaml:"dir"`     // file backend
	Path         string           `yaml:"path"`    // sqlite backend
	RedisURL     string           `yaml:"redis_url"`
	KeyPrefix    string           `yaml:"key_prefix"`
	TTL          time.Duration    `yaml:"ttl"` // redis key expiry, 0 = none
	HistoryLimit int              `yaml:"history_limit"`
	MaxIdle      time.Duration    `yaml:"max_idle"`
	ReapSchedule string           `yaml:"reap_schedule"`
	Encryption   EncryptionConfig `yaml:"encryption"`
}

// EncryptionConfig enables message encryption at rest. The passphrase
// comes from ESTATEAI_STORE_KEY, never from the file.
type EncryptionConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Salt       string `yaml:"salt"`
	Passphrase string `yaml:"-"`
}

// ChannelsConfig holds the inbound channel settings. A nil channel is disabled.
type ChannelsConfig struct {
	WhatsApp *WhatsAppChannelConfig `yaml:"whatsapp,omitempty"`
	Webhook  *WebhookChannelConfig  `yaml:"webhook,omitempty"`
}

// WhatsAppChannelConfig holds WhatsApp Cloud API settings.
type WhatsAppChannelConfig struct {
	Token       string        `yaml:"token"`
	PhoneID     string        `yaml:"phone_id"`
	VerifyToken string        `yaml:"verify_token"`
	APIVersion  string        `yaml:"api_version"`
	BaseURL     string        `yaml:"base_url"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	WebhookAddr string        `yaml:"webhook_addr"`
	WebhookPath string        `yaml:"webhook_path"`
}

// WebhookChannelConfig holds the plain JSON webhook settings.
type WebhookChannelConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// ServerConfig holds settings shared by every inbound HTTP listener.
type ServerConfig struct {
	RateLimit      int           `yaml:"rate_limit"` // requests per minute per client, 0 = off
	RateBurst      int           `yaml:"rate_burst"`
	TrustedProxies []string      `yaml:"trusted_proxies"`
	MetricsPath    string        `yaml:"metrics_path"` // empty disables /metrics
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"` // file exporter: output path
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default listing and market sources, keyed by a lowercase region slug.
var (
	DefaultListingSources = []string{
		"https://www.squareyards.com/sale/property-for-sale-in-{region}/*",
		"https://www.99acres.com/property-in-{region}-ffid/*",
		"https://housing.com/in/buy/{region}/{region}",
	}
	DefaultMarketSources = []string{
		"https://www.99acres.com/property-rates-and-price-trends-in-{region}-prffid/*",
	}
)

const defaultSystemPrompt = `You are estate-ai, a real-estate assistant.
Help users find properties for sale and understand local markets.
Use search_properties to find listings, fetch_property_details for a single
listing, analyze_properties to compare listings and market_info for locality
price trends. Prices are usually quoted in crores and lakhs.
Only state facts returned by the tools. Keep answers short and readable on a phone.`

// defaultDataDir returns the persistent data directory under $HOME/.estate-ai/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".estate-ai", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	breaker := CircuitBreakerConfig{
		Enabled:     true,
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		Interval:    60 * time.Second,
	}
	return &Config{
		Agent: AgentConfig{
			MaxIterations:     6,
			Timeout:           120 * time.Second,
			ToolTimeout:       60 * time.Second,
			SystemPrompt:      defaultSystemPrompt,
			SupersedeInFlight: true,
			ContextMessages:   40,
			ContextMaxTokens:  12000,
			MaxTokens:         1024,
			Temperature:       0.2,
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Providers: []ProviderConfig{{
				Name:        "openai",
				Type:        "openai",
				Model:       "gpt-3.5-turbo",
				ConnTimeout: 10 * time.Second,
				RespTimeout: 60 * time.Second,
			}},
			CircuitBreaker: breaker,
		},
		Gateway: GatewayConfig{
			BaseURL:        "https://api.firecrawl.dev",
			Timeout:        90 * time.Second,
			MaxRetries:     3,
			RetryWait:      time.Second,
			RetryMaxWait:   10 * time.Second,
			PollInterval:   2 * time.Second,
			ListingSources: append([]string(nil), DefaultListingSources...),
			MarketSources:  append([]string(nil), DefaultMarketSources...),
			CacheSize:      256,
			CacheTTL:       15 * time.Minute,
			CircuitBreaker: breaker,
		},
		Store: StoreConfig{
			Backend:      "memory",
			Dir:          filepath.Join(dataDir, "conversations"),
			Path:         filepath.Join(dataDir, "conversations.db"),
			KeyPrefix:    "estateai:",
			HistoryLimit: 40,
			MaxIdle:      24 * time.Hour,
			ReapSchedule: "@every 10m",
		},
		Server: ServerConfig{
			RateLimit:     60,
			RateBurst:     10,
			MetricsPath:   "/metrics",
			ReadTimeout:   15 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// applyChannelDefaults fills unset fields of enabled channels.
func applyChannelDefaults(ch *ChannelsConfig) {
	if wa := ch.WhatsApp; wa != nil {
		if wa.APIVersion == "" {
			wa.APIVersion = "v18.0"
		}
		if wa.BaseURL == "" {
			wa.BaseURL = "https://graph.facebook.com"
		}
		if wa.SendTimeout == 0 {
			wa.SendTimeout = 10 * time.Second
		}
		if wa.WebhookAddr == "" {
			wa.WebhookAddr = ":8000"
		}
		if wa.WebhookPath == "" {
			wa.WebhookPath = "/webhook"
		}
	}
	if wh := ch.Webhook; wh != nil {
		if wh.Addr == "" {
			wh.Addr = ":8080"
		}
		if wh.Path == "" {
			wh.Path = "/webhook"
		}
	}
}

// ResolvePath picks the config file: the flag value, then ESTATEAI_CONFIG,
// then config.yaml in the working directory.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return "config.yaml"
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file is not an error: defaults plus the environment
// are used instead.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)
	applyChannelDefaults(&cfg.Channels)

	if passphrase := os.Getenv(EnvPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env from the working directory if present. Variables
// already set in the process environment win.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

// ApplyEnvOverrides maps ESTATEAI_* env vars to config fields. The
// unprefixed OPENAI_API_KEY, OPENAI_MODEL_ID and FIRECRAWL_API_KEY are
// honoured as fallbacks when the config leaves those values empty.
func ApplyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	num("AGENT_MAX_ITERATIONS", &cfg.Agent.MaxIterations)
	dur("AGENT_TIMEOUT", &cfg.Agent.Timeout)
	dur("AGENT_TOOL_TIMEOUT", &cfg.Agent.ToolTimeout)
	flag("AGENT_SUPERSEDE_IN_FLIGHT", &cfg.Agent.SupersedeInFlight)

	str("LLM_DEFAULT_PROVIDER", &cfg.LLM.DefaultProvider)
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		key := strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_"))
		str("LLM_PROVIDER_"+key+"_API_KEY", &p.APIKey)
		str("LLM_PROVIDER_"+key+"_MODEL", &p.Model)
		str("LLM_PROVIDER_"+key+"_BASE_URL", &p.BaseURL)
		if p.Type == "openai" {
			if p.APIKey == "" {
				p.APIKey = os.Getenv("OPENAI_API_KEY")
			}
			if v := os.Getenv("OPENAI_MODEL_ID"); v != "" {
				p.Model = v
			}
		}
	}

	str("GATEWAY_API_KEY", &cfg.Gateway.APIKey)
	str("GATEWAY_BASE_URL", &cfg.Gateway.BaseURL)
	dur("GATEWAY_TIMEOUT", &cfg.Gateway.Timeout)
	num("GATEWAY_MAX_RETRIES", &cfg.Gateway.MaxRetries)
	if v := os.Getenv(EnvPrefix + "GATEWAY_LISTING_SOURCES"); v != "" {
		cfg.Gateway.ListingSources = splitAndTrim(v, ",")
	}
	if cfg.Gateway.APIKey == "" {
		cfg.Gateway.APIKey = os.Getenv("FIRECRAWL_API_KEY")
	}

	str("STORE_BACKEND", &cfg.Store.Backend)
	str("STORE_DIR", &cfg.Store.Dir)
	str("STORE_PATH", &cfg.Store.Path)
	str("STORE_REDIS_URL", &cfg.Store.RedisURL)
	num("STORE_HISTORY_LIMIT", &cfg.Store.HistoryLimit)
	dur("STORE_MAX_IDLE", &cfg.Store.MaxIdle)
	str("STORE_REAP_SCHEDULE", &cfg.Store.ReapSchedule)
	cfg.Store.Encryption.Passphrase = os.Getenv(EnvPrefix + "STORE_KEY")

	if v := os.Getenv(EnvPrefix + "WHATSAPP_TOKEN"); v != "" {
		if cfg.Channels.WhatsApp == nil {
			cfg.Channels.WhatsApp = &WhatsAppChannelConfig{}
		}
		cfg.Channels.WhatsApp.Token = v
	}
	if wa := cfg.Channels.WhatsApp; wa != nil {
		str("WHATSAPP_PHONE_ID", &wa.PhoneID)
		str("WHATSAPP_VERIFY_TOKEN", &wa.VerifyToken)
		str("WHATSAPP_API_VERSION", &wa.APIVersion)
	}
	if v := os.Getenv(EnvPrefix + "WEBHOOK_ADDR"); v != "" {
		if cfg.Channels.Webhook == nil {
			cfg.Channels.Webhook = &WebhookChannelConfig{}
		}
		cfg.Channels.Webhook.Addr = v
	}

	str("LOGGER_LEVEL", &cfg.Logger.Level)
	str("LOGGER_FORMAT", &cfg.Logger.Format)
	str("LOGGER_OUTPUT", &cfg.Logger.Output)
	flag("TRACER_ENABLED", &cfg.Tracer.Enabled)
	str("TRACER_EXPORTER", &cfg.Tracer.Exporter)
	str("TRACER_ENDPOINT", &cfg.Tracer.Endpoint)
}

// splitAndTrim splits s by sep, trims whitespace and drops empty elements.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// secretFields lists every config value that may carry an "enc:" secret.
func secretFields(cfg *Config) map[string]*string {
	fields := map[string]*string{
		"gateway.api_key":  &cfg.Gateway.APIKey,
		"store.redis_url":  &cfg.Store.RedisURL,
		"store.encryption": &cfg.Store.Encryption.Passphrase,
	}
	for i := range cfg.LLM.Providers {
		fields["llm.providers."+cfg.LLM.Providers[i].Name+".api_key"] = &cfg.LLM.Providers[i].APIKey
	}
	if wa := cfg.Channels.WhatsApp; wa != nil {
		fields["channels.whatsapp.token"] = &wa.Token
		fields["channels.whatsapp.verify_token"] = &wa.VerifyToken
	}
	return fields
}

// decryptSecrets replaces every "enc:..." value in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	for name, fp := range secretFields(cfg) {
		if !strings.HasPrefix(*fp, encPrefix) {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*fp, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = plain
	}
	return nil
}

// EncryptedSecrets reports the config fields still holding "enc:" values.
func EncryptedSecrets(cfg *Config) []string {
	var names []string
	for name, fp := range secretFields(cfg) {
		if strings.HasPrefix(*fp, encPrefix) {
			names = append(names, name)
		}
	}
	return names
}

// EncryptSecret returns plaintext in the "enc:" form accepted in config files.
func EncryptSecret(plaintext, passphrase string) (string, error) {
	v, err := EncryptValue(plaintext, passphrase)
	if err != nil {
		return "", err
	}
	return encPrefix + v, nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

// Provider returns the provider config with the given name.
func (c *LLMConfig) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
