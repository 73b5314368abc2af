package ctl

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/meridiandb/meridian/server"
)

// BuildServerFlags attaches a set of flags to the command for a server instance.
func BuildServerFlags(cmd *cobra.Command, srv *server.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&srv.Config.DataDir, "data-dir", "d", srv.Config.DataDir, "Directory to store Meridian data files.")
	flags.StringVarP(&srv.Config.Bind, "bind", "b", srv.Config.Bind, "Default URI on which Meridian should listen.")
	flags.DurationVar((*time.Duration)(&srv.Config.ReadTimeout), "read-timeout", time.Duration(srv.Config.ReadTimeout), "Duration a read may wait for its inputs to become readable before it fails as stalled. Zero to disable.")
	flags.Uint64Var(&srv.Config.CompactionLag, "compaction-lag", srv.Config.CompactionLag, "Logical time kept readable behind each object's upper, for objects without their own compaction window.")
	flags.StringVar(&srv.Config.LogPath, "log-path", srv.Config.LogPath, "Log path")
	flags.BoolVar(&srv.Config.Verbose, "verbose", srv.Config.Verbose, "Enable verbose logging")

	// TLS
	SetTLSConfig(flags, "", &srv.Config.TLS.CertificatePath, &srv.Config.TLS.CertificateKeyPath, &srv.Config.TLS.CACertPath, &srv.Config.TLS.SkipVerify, &srv.Config.TLS.EnableClientVerification)

	// Handler
	flags.StringSliceVar(&srv.Config.Handler.AllowedOrigins, "handler.allowed-origins", []string{}, "Comma separated list of allowed origin URIs (for CORS).")

	// Engine
	flags.StringSliceVar(&srv.Config.Engine.Workers, "engine.workers", []string{}, "Comma separated list of engine worker addresses to seed the fleet. Workers may also register at runtime.")

	// Source
	flags.DurationVar((*time.Duration)(&srv.Config.Source.SyncInterval), "source.sync-interval", time.Duration(srv.Config.Source.SyncInterval), "Interval at which the watermark pollers are reconciled against the catalog.")
	flags.DurationVar((*time.Duration)(&srv.Config.Source.TickInterval), "source.tick-interval", time.Duration(srv.Config.Source.TickInterval), "Default poll cadence for sources that do not set their own.")

	// Metric
	flags.StringVar(&srv.Config.Metric.Service, "metric.service", srv.Config.Metric.Service, "Where to send stats: can be expvar (in-memory served at /debug/vars), prometheus, statsd or none.")
	flags.StringVar(&srv.Config.Metric.Host, "metric.host", srv.Config.Metric.Host, "URI to send metrics when metric.service is statsd.")
	flags.DurationVar((*time.Duration)(&srv.Config.Metric.PollInterval), "metric.poll-interval", time.Duration(srv.Config.Metric.PollInterval), "Polling interval for runtime metrics. Zero to disable.")

	// Tracing
	flags.StringVar(&srv.Config.Tracing.AgentHostPort, "tracing.agent-host-port", srv.Config.Tracing.AgentHostPort, "Jaeger agent host:port. Empty to disable tracing.")
	flags.StringVar(&srv.Config.Tracing.SamplerType, "tracing.sampler-type", srv.Config.Tracing.SamplerType, "Jaeger sampler type (remote, const, probabilistic, ratelimiting).")
	flags.Float64Var(&srv.Config.Tracing.SamplerParam, "tracing.sampler-param", srv.Config.Tracing.SamplerParam, "Jaeger sampler parameter.")

	// Clock
	flags.BoolVar(&srv.Config.Clock.Check, "clock.check", srv.Config.Clock.Check, "Compare the wall clock against an NTP server at startup.")
	flags.DurationVar((*time.Duration)(&srv.Config.Clock.MaxSkew), "clock.max-skew", time.Duration(srv.Config.Clock.MaxSkew), "Largest startup clock skew tolerated when clock.check is set.")
}
