package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	Server struct {
		Address           string   `toml:"address"`
		MaxFrameSize      int64    `toml:"max_frame_size"`
		ReadTimeout       string   `toml:"read_timeout"`
		DirectiveTimeout  string   `toml:"directive_timeout"`
		ShutdownTimeout   string   `toml:"shutdown_timeout"`
		RateLimit         float64  `toml:"rate_limit"`
		RateBurst         int      `toml:"rate_burst"`
		MaxRetries        int      `toml:"max_retries"`
		RetryDelay        string   `toml:"retry_delay"`
		MaxDecodeFailures int      `toml:"max_decode_failures"`
		TimeCommand       []string `toml:"time_command"`
		MetricsAddress    string   `toml:"metrics_address"`
		ReusePort         bool     `toml:"reuse_port"`
		ServiceName       string   `toml:"service_name"`
		AdvertiseAddress  string   `toml:"advertise_address"`
	} `toml:"server"`
	Client struct {
		Address         string `toml:"address"`
		Directive       string `toml:"directive"`
		DialTimeout     string `toml:"dial_timeout"`
		ResponseTimeout string `toml:"response_timeout"`
		MaxFrameSize    int64  `toml:"max_frame_size"`
		Balancer        string `toml:"balancer"`
		PoolSize        int    `toml:"pool_size"`
	} `toml:"client"`
	Registry struct {
		Endpoints   []string `toml:"endpoints"`
		DialTimeout string   `toml:"dial_timeout"`
		TTL         int64    `toml:"ttl"`
	} `toml:"registry"`
	Log struct {
		Level      string `toml:"level"`
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
		Compress   bool   `toml:"compress"`
	} `toml:"log"`
}

// Load reads path and overlays the keys it defines on top of Default.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	cfg := Default()
	o := overlay{meta: meta}

	s := &cfg.Server
	o.str(&s.Address, raw.Server.Address, "server", "address")
	o.frameSize(&s.MaxFrameSize, raw.Server.MaxFrameSize, "server", "max_frame_size")
	o.duration(&s.ReadTimeout, raw.Server.ReadTimeout, "server", "read_timeout")
	o.duration(&s.DirectiveTimeout, raw.Server.DirectiveTimeout, "server", "directive_timeout")
	o.duration(&s.ShutdownTimeout, raw.Server.ShutdownTimeout, "server", "shutdown_timeout")
	if meta.IsDefined("server", "rate_limit") {
		s.RateLimit = raw.Server.RateLimit
	}
	if meta.IsDefined("server", "rate_burst") {
		s.RateBurst = raw.Server.RateBurst
	}
	if meta.IsDefined("server", "max_retries") {
		s.MaxRetries = raw.Server.MaxRetries
	}
	o.duration(&s.RetryDelay, raw.Server.RetryDelay, "server", "retry_delay")
	if meta.IsDefined("server", "max_decode_failures") {
		s.MaxDecodeFailures = raw.Server.MaxDecodeFailures
	}
	if meta.IsDefined("server", "time_command") {
		s.TimeCommand = normalizeList(raw.Server.TimeCommand)
	}
	o.str(&s.MetricsAddress, raw.Server.MetricsAddress, "server", "metrics_address")
	if meta.IsDefined("server", "reuse_port") {
		s.ReusePort = raw.Server.ReusePort
	}
	o.str(&s.ServiceName, raw.Server.ServiceName, "server", "service_name")
	o.str(&s.AdvertiseAddress, raw.Server.AdvertiseAddress, "server", "advertise_address")

	c := &cfg.Client
	o.str(&c.Address, raw.Client.Address, "client", "address")
	o.str(&c.Directive, raw.Client.Directive, "client", "directive")
	o.duration(&c.DialTimeout, raw.Client.DialTimeout, "client", "dial_timeout")
	o.duration(&c.ResponseTimeout, raw.Client.ResponseTimeout, "client", "response_timeout")
	o.frameSize(&c.MaxFrameSize, raw.Client.MaxFrameSize, "client", "max_frame_size")
	o.str(&c.Balancer, raw.Client.Balancer, "client", "balancer")
	if meta.IsDefined("client", "pool_size") {
		c.PoolSize = raw.Client.PoolSize
	}

	r := &cfg.Registry
	if meta.IsDefined("registry", "endpoints") {
		r.Endpoints = normalizeList(raw.Registry.Endpoints)
	}
	o.duration(&r.DialTimeout, raw.Registry.DialTimeout, "registry", "dial_timeout")
	if meta.IsDefined("registry", "ttl") {
		r.TTL = raw.Registry.TTL
	}

	l := &cfg.Log
	o.str(&l.Level, raw.Log.Level, "log", "level")
	o.str(&l.File, raw.Log.File, "log", "file")
	if meta.IsDefined("log", "max_size_mb") {
		l.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		l.MaxBackups = raw.Log.MaxBackups
	}
	if meta.IsDefined("log", "max_age_days") {
		l.MaxAgeDays = raw.Log.MaxAgeDays
	}
	if meta.IsDefined("log", "compress") {
		l.Compress = raw.Log.Compress
	}

	if o.err != nil {
		return Config{}, o.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server or client cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.MaxDecodeFailures < 1 {
		errs = append(errs, errors.New("server.max_decode_failures must be at least 1"))
	}
	if len(c.Server.TimeCommand) == 0 {
		errs = append(errs, errors.New("server.time_command must not be empty"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = append(errs, errors.New("server.rate_burst must be at least 1 when rate_limit is set"))
	}
	if c.Server.MaxRetries < 0 {
		errs = append(errs, errors.New("server.max_retries must not be negative"))
	}
	if c.Registry.TTL < 1 {
		errs = append(errs, errors.New("registry.ttl must be at least 1"))
	}
	switch c.Client.Balancer {
	case "RoundRobin", "WeightedRandom", "ConsistentHash":
	default:
		errs = append(errs, fmt.Errorf("client.balancer %q is not a known strategy", c.Client.Balancer))
	}
	if c.Client.PoolSize < 1 {
		errs = append(errs, errors.New("client.pool_size must be at least 1"))
	}
	if c.Client.Directive == "" {
		errs = append(errs, errors.New("client.directive must not be empty"))
	}
	return errors.Join(errs...)
}

// overlay applies defined keys and remembers the first parse error.
type overlay struct {
	meta toml.MetaData
	err  error
}

func (o *overlay) str(dst *string, v string, key ...string) {
	if !o.meta.IsDefined(key...) {
		return
	}
	*dst = strings.TrimSpace(v)
}

func (o *overlay) duration(dst *time.Duration, v string, key ...string) {
	if o.err != nil || !o.meta.IsDefined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		o.err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		return
	}
	if d < 0 {
		o.err = fmt.Errorf("parse %s: negative duration %s", strings.Join(key, "."), d)
		return
	}
	*dst = d
}

func (o *overlay) frameSize(dst *uint32, v int64, key ...string) {
	if o.err != nil || !o.meta.IsDefined(key...) {
		return
	}
	if v < 1 || v > 1<<32-1 {
		o.err = fmt.Errorf("parse %s: %d out of range", strings.Join(key, "."), v)
		return
	}
	*dst = uint32(v)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
