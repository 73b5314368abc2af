package server

import (
	"time"

	"github.com/meridiandb/meridian/toml"
)

// TLSConfig contains TLS configuration.
type TLSConfig struct {
	// CertificatePath contains the path to the certificate (.crt or .pem file).
	CertificatePath string `toml:"certificate"`
	// CertificateKeyPath contains the path to the certificate key (.key file).
	CertificateKeyPath string `toml:"key"`
	// CACertPath is the path to a CA certificate (.crt or .pem file).
	CACertPath string `toml:"ca-certificate"`
	// SkipVerify disables verification of self-signed certificates.
	SkipVerify bool `toml:"skip-verify"`
	// EnableClientVerification requires and verifies client TLS certificates.
	EnableClientVerification bool `toml:"enable-client-verification"`
}

// Config represents the configuration for the command.
type Config struct {
	// DataDir is the directory where the coordinator stores its durable
	// catalog.
	DataDir string `toml:"data-dir"`
	// Bind is the host:port on which the coordinator will listen.
	Bind string `toml:"bind"`

	// ReadTimeout bounds how long a read may wait for its inputs to
	// become readable before it fails as stalled. Zero disables the
	// timeout.
	ReadTimeout toml.Duration `toml:"read-timeout"`

	// CompactionLag is the retention window, in logical time, applied
	// to objects that do not carry a compaction window of their own.
	CompactionLag uint64 `toml:"compaction-lag"`

	// LogPath configures where the coordinator will write logs.
	LogPath string `toml:"log-path"`

	// Verbose toggles verbose logging which can be useful for debugging.
	Verbose bool `toml:"verbose"`

	// HTTP Handler options.
	Handler struct {
		// CORS Allowed Origins
		AllowedOrigins []string `toml:"allowed-origins"`
	} `toml:"handler"`

	// TLS
	TLS TLSConfig `toml:"tls"`

	Engine struct {
		// Workers seeds the execution fleet. Workers may also register
		// themselves at runtime through the handler.
		Workers []string `toml:"workers"`
	} `toml:"engine"`

	Source struct {
		// SyncInterval is how often the watermark poller set is
		// reconciled against the catalog.
		SyncInterval toml.Duration `toml:"sync-interval"`
		// TickInterval is the poll cadence for sources that do not set
		// their own.
		TickInterval toml.Duration `toml:"tick-interval"`
	} `toml:"source"`

	Metric struct {
		// Service can be expvar, prometheus, statsd, or none.
		Service string `toml:"service"`
		// Host tells the statsd client where to write.
		Host string `toml:"host"`
		// PollInterval is the runtime metric sample cadence. A value of
		// 0 disables runtime metrics.
		PollInterval toml.Duration `toml:"poll-interval"`
	} `toml:"metric"`

	Tracing struct {
		// AgentHostPort is the jaeger agent spans are reported to.
		// Empty disables tracing.
		AgentHostPort string  `toml:"agent-host-port"`
		SamplerType   string  `toml:"sampler-type"`
		SamplerParam  float64 `toml:"sampler-param"`
	} `toml:"tracing"`

	Clock struct {
		// Check compares the wall clock against an NTP server at
		// startup and logs the skew.
		Check bool `toml:"check"`
		// MaxSkew is the largest startup skew tolerated before the
		// check fails.
		MaxSkew toml.Duration `toml:"max-skew"`
	} `toml:"clock"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	c := &Config{
		DataDir:       DefaultDataDir,
		Bind:          ":10201",
		ReadTimeout:   toml.Duration(time.Minute),
		CompactionLag: 1000,
		// LogPath: "",
		// Verbose: false,
		TLS: TLSConfig{},
	}

	// Engine config.
	c.Engine.Workers = []string{}

	// Source config.
	c.Source.SyncInterval = toml.Duration(5 * time.Second)
	c.Source.TickInterval = toml.Duration(time.Second)

	// Metric config.
	c.Metric.Service = "none"
	// c.Metric.Host = ""
	c.Metric.PollInterval = toml.Duration(0 * time.Minute)

	// Tracing config.
	// c.Tracing.AgentHostPort = ""
	c.Tracing.SamplerType = "const"
	c.Tracing.SamplerParam = 1.0

	// Clock config.
	// c.Clock.Check = false
	c.Clock.MaxSkew = toml.Duration(5 * time.Second)

	return c
}
