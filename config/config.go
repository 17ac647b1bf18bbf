// Package config loads remote-cmd settings from a TOML file.
//
// Every setting has a default in Default; a file only needs to name the keys it
// changes. The CLIs read the file named by REMOTE_CMD_CONFIG, then let the
// positional address argument override server.address or client.address.
package config

import (
	"os"
	"time"
)

const (
	EnvConfigPath  = "REMOTE_CMD_CONFIG"
	DefaultAddress = "127.0.0.1:8888"
)

type Config struct {
	Server   ServerConfig
	Client   ClientConfig
	Registry RegistryConfig
	Log      LogConfig
}

type ServerConfig struct {
	Address           string
	MaxFrameSize      uint32
	ReadTimeout       time.Duration // Idle limit while awaiting a frame; 0 disables
	DirectiveTimeout  time.Duration // 0 disables
	ShutdownTimeout   time.Duration
	RateLimit         float64 // Directives per second across all sessions; 0 disables
	RateBurst         int
	MaxRetries        int
	RetryDelay        time.Duration
	MaxDecodeFailures int      // Consecutive non-UTF-8 payloads before a session closes
	TimeCommand       []string // Command behind "gettime"
	MetricsAddress    string   // Serve /metrics here when set
	ReusePort         bool
	ServiceName       string // Registry key when registry.endpoints is set
	AdvertiseAddress  string // Address published to the registry; defaults to the bound address
}

type ClientConfig struct {
	Address         string
	Directive       string
	DialTimeout     time.Duration
	ResponseTimeout time.Duration // 0 waits indefinitely
	MaxFrameSize    uint32
	Balancer        string // RoundRobin, WeightedRandom or ConsistentHash; used with a registry
	PoolSize        int    // Idle connections kept per server by client.Client
}

type RegistryConfig struct {
	Endpoints   []string // Empty disables service discovery
	DialTimeout time.Duration
	TTL         int64 // Lease TTL in seconds
}

type LogConfig struct {
	Level      string
	File       string // Rotated JSON log file; empty logs to stderr only
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:           DefaultAddress,
			MaxFrameSize:      8 * 1024 * 1024,
			DirectiveTimeout:  10 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			MaxRetries:        0,
			RetryDelay:        100 * time.Millisecond,
			MaxDecodeFailures: 3,
			TimeCommand:       []string{"date"},
			ServiceName:       "remote-cmd",
		},
		Client: ClientConfig{
			Address:      DefaultAddress,
			Directive:    "gettime",
			DialTimeout:  5 * time.Second,
			MaxFrameSize: 8 * 1024 * 1024,
			Balancer:     "RoundRobin",
			PoolSize:     4,
		},
		Registry: RegistryConfig{
			DialTimeout: 5 * time.Second,
			TTL:         10,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// FromEnv loads the file named by REMOTE_CMD_CONFIG, or returns Default when
// the variable is unset.
func FromEnv() (Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}
