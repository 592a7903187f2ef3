package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultArchiverURL = "http://localhost:17665"
	appName            = "archiver-mcp"
)

// DefaultConfig runs an MCP stdio server with an in-memory response cache
// and no listening ports.
func DefaultConfig() *Config {
	return &Config{
		Archiver: ArchiverConfig{
			URL:        DefaultArchiverURL,
			Timeout:    Duration(30 * time.Second),
			MaxRetries: 2,
			UserAgent:  appName,
		},
		Cache: CacheConfig{
			MinAge:      Duration(time.Hour),
			Compression: "s2",
			Memory: MemoryTierConfig{
				Enabled:    true,
				MaxBytes:   ByteSize(64 * 1024 * 1024),
				MaxEntries: 256,
				MaxAge:     Duration(30 * time.Minute),
			},
			File: FileTierConfig{
				MaxBytes:   ByteSize(1024 * 1024 * 1024),
				MaxEntries: 10000,
				MaxAge:     Duration(7 * 24 * time.Hour),
			},
			Blob: BlobTierConfig{
				Region: "us-east-1",
				Prefix: appName + "/",
			},
			Metadata: MetadataConfig{
				Path: defaultMetadataPath(),
			},
		},
		Policy: PolicyConfig{
			EvalInterval: Duration(time.Minute),
		},
		MCP: MCPConfig{
			Enabled:    true,
			ServerName: "archiver-mcp-server",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "archiver",
			},
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: appName,
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: false,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       false,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}

func defaultMetadataPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, appName, "cache.db")
}
