package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvArchiverURL overrides archiver.url when set.
const EnvArchiverURL = "EPICS_ARCHIVER_URL"

type Config struct {
	Archiver      ArchiverConfig      `yaml:"archiver"`
	Cache         CacheConfig         `yaml:"cache"`
	Policy        PolicyConfig        `yaml:"policy"`
	MCP           MCPConfig           `yaml:"mcp"`
	API           APIConfig           `yaml:"api"`
	NATS          NATSConfig          `yaml:"nats"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ArchiverConfig struct {
	URL        string   `yaml:"url"`
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"max_retries"`
	UserAgent  string   `yaml:"user_agent"`
}

type CacheConfig struct {
	// MinAge is how far in the past a window must end before its raw
	// response is cached. Younger windows may still receive samples.
	MinAge Duration `yaml:"min_age"`

	// Compression is the block codec: "s2" or "none".
	Compression string           `yaml:"compression"`
	Memory      MemoryTierConfig `yaml:"memory"`
	File        FileTierConfig   `yaml:"file"`
	Blob        BlobTierConfig   `yaml:"blob"`
	Metadata    MetadataConfig   `yaml:"metadata"`
}

// Enabled reports whether any cache tier is enabled.
func (c CacheConfig) Enabled() bool {
	return c.Memory.Enabled || c.File.Enabled || c.Blob.Enabled
}

type MemoryTierConfig struct {
	Enabled    bool     `yaml:"enabled"`
	MaxBytes   ByteSize `yaml:"max_bytes"`
	MaxEntries int      `yaml:"max_entries"`
	MaxAge     Duration `yaml:"max_age"`
}

type FileTierConfig struct {
	Enabled    bool     `yaml:"enabled"`
	DataDir    string   `yaml:"data_dir"`
	MaxBytes   ByteSize `yaml:"max_bytes"`
	MaxEntries int      `yaml:"max_entries"`
	MaxAge     Duration `yaml:"max_age"`
}

type BlobTierConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Endpoint        string   `yaml:"endpoint"`
	Region          string   `yaml:"region"`
	Bucket          string   `yaml:"bucket"`
	Prefix          string   `yaml:"prefix"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
	ForcePathStyle  bool     `yaml:"force_path_style"`
	MaxAge          Duration `yaml:"max_age"`
}

type MetadataConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

type PolicyConfig struct {
	EvalInterval Duration `yaml:"eval_interval"`
}

type MCPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ServerName string `yaml:"server_name"`
}

type APIConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Listen        string              `yaml:"listen"`
	NATSResponder NATSResponderConfig `yaml:"nats_responder"`
}

type NATSResponderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type NATSConfig struct {
	URL             string    `yaml:"url"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvArchiverURL); ok && v != "" {
		c.Archiver.URL = v
	}
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Archiver.URL)
	if err != nil || c.Archiver.URL == "" {
		return fmt.Errorf("archiver.url is required and must be a valid URL, got %q", c.Archiver.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("archiver.url must use http or https, got %q", c.Archiver.URL)
	}
	if c.Archiver.Timeout <= 0 {
		return fmt.Errorf("archiver.timeout must be > 0")
	}
	if c.Archiver.MaxRetries < 0 {
		return fmt.Errorf("archiver.max_retries must be >= 0")
	}

	if c.Cache.Enabled() {
		if c.Cache.Metadata.Path == "" {
			return fmt.Errorf("cache.metadata.path is required when a cache tier is enabled")
		}
		if c.Cache.MinAge < 0 {
			return fmt.Errorf("cache.min_age must be >= 0")
		}
		if c.Cache.Compression != "s2" && c.Cache.Compression != "none" {
			return fmt.Errorf("cache.compression must be s2 or none, got %q", c.Cache.Compression)
		}
		if c.Policy.EvalInterval <= 0 {
			return fmt.Errorf("policy.eval_interval must be > 0")
		}
	}
	if c.Cache.File.Enabled && c.Cache.File.DataDir == "" {
		return fmt.Errorf("cache.file requires data_dir")
	}
	if c.Cache.Blob.Enabled && c.Cache.Blob.Bucket == "" {
		return fmt.Errorf("cache.blob requires bucket")
	}

	if c.MCP.Enabled && c.MCP.ServerName == "" {
		return fmt.Errorf("mcp.server_name is required")
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	if c.API.NATSResponder.Enabled {
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the NATS responder")
		}
		if c.API.NATSResponder.SubjectPrefix == "" {
			return fmt.Errorf("api.nats_responder.subject_prefix is required")
		}
	}

	if !c.MCP.Enabled && !c.API.Enabled && !c.API.NATSResponder.Enabled {
		return fmt.Errorf("at least one of mcp, api or api.nats_responder must be enabled")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "64MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s
	for _, u := range byteUnits {
		if len(s) > len(u.suffix) && s[len(s)-len(u.suffix):] == u.suffix {
			multiplier = u.mult
			numStr = s[:len(s)-len(u.suffix)]
			break
		}
	}

	var n int64
	if _, err := fmt.Sscanf(numStr, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid byte size %q: negative", s)
	}
	return n * multiplier, nil
}
