package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/GriffinCanCode/l4core/internal/kernel"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all process configuration.
type Config struct {
	Server    ServerConfig
	Kernel    KernelConfig
	Boot      BootConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Trace     TraceConfig
}

// ServerConfig holds the admin HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000"`
	Host            string        `envconfig:"HOST" default:"127.0.0.1"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string { return net.JoinHostPort(s.Host, s.Port) }

// KernelConfig holds the kernel tunables.
type KernelConfig struct {
	CapTableSize  int           `envconfig:"KERNEL_CAP_TABLE_SIZE" default:"4096"`
	FrameSlabs    int           `envconfig:"KERNEL_FRAME_SLABS" default:"64"`
	FramesPerSlab int           `envconfig:"KERNEL_FRAMES_PER_SLAB" default:"64"`
	PagerRetries  int           `envconfig:"KERNEL_PAGER_RETRIES" default:"3"`
	PagerTimeout  time.Duration `envconfig:"KERNEL_PAGER_TIMEOUT" default:"0"`
	ObjectQuota   int           `envconfig:"KERNEL_FACTORY_QUOTA" default:"1024"`
}

// ToKernel converts to the kernel's configuration.
func (k KernelConfig) ToKernel() kernel.Config {
	return kernel.Config{
		CapTableSize:  k.CapTableSize,
		FrameSlabs:    k.FrameSlabs,
		FramesPerSlab: k.FramesPerSlab,
		ObjectQuota:   k.ObjectQuota,
		PagerRetries:  k.PagerRetries,
		PagerTimeout:  k.PagerTimeout,
	}
}

// BootConfig names the boot manifest. Empty boots the built-in calc and
// echo services.
type BootConfig struct {
	Manifest string `envconfig:"BOOT_MANIFEST"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string   `envconfig:"LOG_LEVEL" default:"info"`
	Development bool     `envconfig:"LOG_DEV" default:"false"`
	OutputPaths []string `envconfig:"LOG_OUTPUT" default:"stdout"`
}

// RateLimitConfig holds admin API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// TraceConfig holds span collection configuration.
type TraceConfig struct {
	Enabled bool `envconfig:"TRACE_ENABLED" default:"true"`
	Buffer  int  `envconfig:"TRACE_BUFFER" default:"256"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "127.0.0.1",
			ShutdownTimeout: 10 * time.Second,
		},
		Kernel: KernelConfig{
			CapTableSize:  4096,
			FrameSlabs:    64,
			FramesPerSlab: 64,
			PagerRetries:  3,
			ObjectQuota:   1024,
		},
		Logging: LogConfig{
			Level:       "info",
			OutputPaths: []string{"stdout"},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Trace: TraceConfig{
			Enabled: true,
			Buffer:  256,
		},
	}
}

// Validate rejects values the kernel or server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if p, err := strconv.Atoi(c.Server.Port); err != nil || p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("PORT %q is not a port number", c.Server.Port))
	}
	if c.Kernel.CapTableSize < 16 {
		errs = append(errs, fmt.Errorf("KERNEL_CAP_TABLE_SIZE %d below 16", c.Kernel.CapTableSize))
	}
	if c.Kernel.FrameSlabs <= 0 || c.Kernel.FramesPerSlab <= 0 {
		errs = append(errs, errors.New("KERNEL_FRAME_SLABS and KERNEL_FRAMES_PER_SLAB must be positive"))
	}
	if c.Kernel.PagerRetries <= 0 {
		errs = append(errs, fmt.Errorf("KERNEL_PAGER_RETRIES %d must be positive", c.Kernel.PagerRetries))
	}
	if c.Kernel.PagerTimeout < 0 {
		errs = append(errs, fmt.Errorf("KERNEL_PAGER_TIMEOUT %v is negative", c.Kernel.PagerTimeout))
	}
	if c.Kernel.ObjectQuota <= 0 {
		errs = append(errs, fmt.Errorf("KERNEL_FACTORY_QUOTA %d must be positive", c.Kernel.ObjectQuota))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
