// Package server contains the `meridian server` subcommand which runs the
// coordinator itself. The purpose of this package is to define an easily
// tested Command object which handles interpreting configuration and
// setting up all the objects that the coordinator needs.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ricochet2200/go-disk-usage/du"
	jaegercfg "github.com/uber/jaeger-client-go/config"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/boltdb"
	"github.com/meridiandb/meridian/catalog"
	catalogboltdb "github.com/meridiandb/meridian/catalog/boltdb"
	"github.com/meridiandb/meridian/coordinator"
	enginehttp "github.com/meridiandb/meridian/engine/http"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
	"github.com/meridiandb/meridian/source"
	"github.com/meridiandb/meridian/stats"
	"github.com/meridiandb/meridian/stats/prometheus"
	"github.com/meridiandb/meridian/stats/statsd"
	"github.com/meridiandb/meridian/tracing"
	tracingot "github.com/meridiandb/meridian/tracing/opentracing"
)

const (
	// DefaultDataDir is the default data directory.
	DefaultDataDir = "~/.meridian"
)

// Command represents the state of the meridian server command.
type Command struct {
	// Coordinator is the kernel every statement and engine report is
	// sequenced through. Populated by SetupServer.
	Coordinator *coordinator.Coordinator

	// Configuration.
	Config *Config

	// GCNotifier feeds garbage collection counts into the runtime
	// metrics. Defaults to the nop notifier.
	GCNotifier meridian.GCNotifier

	// Standard input/output
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Started will be closed once Command.Run is finished.
	Started chan struct{}
	// Done will be closed when Command.Close() is called
	Done chan struct{}

	db      *boltdb.DB
	catalog *catalog.Catalog
	engine  *enginehttp.Engine
	sources *source.Manager
	handler *Handler
	ln      net.Listener

	stats     stats.StatsClient
	logOutput io.Writer
	logger    logger.Logger

	tracerCloser io.Closer

	closing chan struct{}
}

// NewCommand returns a new instance of Command.
func NewCommand(stdin io.Reader, stdout, stderr io.Writer) *Command {
	return &Command{
		Config: NewConfig(),

		GCNotifier: meridian.NopGCNotifier,

		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,

		Started: make(chan struct{}),
		Done:    make(chan struct{}),

		closing: make(chan struct{}),
	}
}

// Run executes the meridian server.
func (m *Command) Run(args ...string) (err error) {
	defer close(m.Started)
	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(m.Config.DataDir, prefix) {
		HomeDir := os.Getenv("HOME")
		if HomeDir == "" {
			return errors.Errorf("data directory not specified and no home dir available")
		}
		m.Config.DataDir = filepath.Join(HomeDir, strings.TrimPrefix(m.Config.DataDir, prefix))
	}

	// SetupServer
	err = m.SetupServer()
	if err != nil {
		return err
	}

	// Initialize the coordinator and start serving.
	if err = m.Open(); err != nil {
		return errors.Wrap(err, "opening server")
	}

	scheme := "http"
	if m.Config.TLS.CertificatePath != "" {
		scheme = "https"
	}
	fmt.Fprintf(m.Stderr, "Listening as %s://%s\n", scheme, m.ln.Addr())
	return nil
}

// SetupServer uses the configuration to set up this server.
func (m *Command) SetupServer() error {
	err := m.setupLogger()
	if err != nil {
		return errors.Wrap(err, "setting up logger")
	}

	m.logger.Printf("%s", meridian.VersionInfo())
	m.logger.Printf("Using data from: %s", m.Config.DataDir)

	if m.Config.Clock.Check {
		if err := checkClock(time.Duration(m.Config.Clock.MaxSkew), m.logger); err != nil {
			return errors.Wrap(err, "checking wall clock")
		}
	}

	// Metrics.
	m.stats, err = NewStatsClient(m.Config.Metric.Service, m.Config.Metric.Host)
	if err != nil {
		return errors.Wrap(err, "new stats client")
	}
	m.stats.SetLogger(m.logger)

	// Tracing. Spans go nowhere until a jaeger agent is configured.
	if m.Config.Tracing.AgentHostPort != "" {
		cfg := jaegercfg.Configuration{
			ServiceName: "meridian",
			Sampler: &jaegercfg.SamplerConfig{
				Type:  m.Config.Tracing.SamplerType,
				Param: m.Config.Tracing.SamplerParam,
			},
			Reporter: &jaegercfg.ReporterConfig{
				LocalAgentHostPort: m.Config.Tracing.AgentHostPort,
			},
		}
		tracer, closer, err := cfg.NewTracer()
		if err != nil {
			return errors.Wrap(err, "initializing jaeger tracer")
		}
		m.tracerCloser = closer
		tracing.GlobalTracer = tracingot.NewTracer(tracer, m.logger)
	}

	// Durable catalog storage.
	m.db, err = boltdb.NewSvcBolt(m.Config.DataDir, "catalog", catalogboltdb.StoreBuckets...)
	if err != nil {
		return errors.Wrap(err, "opening catalog store")
	}
	m.catalog = catalog.New(catalog.Config{
		Store:  catalogboltdb.NewStore(boltdb.NewTransactor(m.db), m.logger),
		Stats:  m.stats,
		Logger: m.logger,
	})

	// Engine command channel, seeded with the configured fleet.
	addrs := make([]meridian.Address, 0, len(m.Config.Engine.Workers))
	for _, w := range m.Config.Engine.Workers {
		addrs = append(addrs, meridian.Address(w))
	}
	m.engine = enginehttp.NewEngine(enginehttp.Config{
		Addresses: addrs,
		Stats:     m.stats,
		Logger:    m.logger,
	})

	m.Coordinator = coordinator.New(coordinator.Config{
		Catalog:              m.catalog,
		Engine:               m.engine,
		DefaultCompactionLag: m.Config.CompactionLag,
		ReadTimeout:          time.Duration(m.Config.ReadTimeout),
		Stats:                m.stats,
		Logger:               m.logger,
	})

	// Source watermark pollers feed the coordinator's frontiers.
	m.sources = source.NewManager(source.Config{
		Lister:       m.Coordinator,
		Reporter:     m.Coordinator,
		SyncInterval: time.Duration(m.Config.Source.SyncInterval),
		TickInterval: time.Duration(m.Config.Source.TickInterval),
		Stats:        m.stats,
		Logger:       m.logger,
	})

	return nil
}

// Open starts the coordinator and begins serving the HTTP API.
func (m *Command) Open() error {
	if err := m.Coordinator.Start(context.Background()); err != nil {
		return errors.Wrap(err, "starting coordinator")
	}

	// The engine was seeded with the configured fleet before Start so
	// boot reconciliation could dispatch; registering it here makes the
	// fleet visible in coordinator status the same way runtime
	// registration does.
	if len(m.Config.Engine.Workers) > 0 {
		addrs := make([]meridian.Address, 0, len(m.Config.Engine.Workers))
		for _, w := range m.Config.Engine.Workers {
			addrs = append(addrs, meridian.Address(w))
		}
		if err := m.Coordinator.RegisterEngineWorkers(context.Background(), addrs); err != nil {
			return errors.Wrap(err, "registering configured workers")
		}
	}

	if err := m.sources.Start(); err != nil {
		return errors.Wrap(err, "starting source manager")
	}

	ln, err := net.Listen("tcp", meridian.Address(m.Config.Bind).HostPort())
	if err != nil {
		return errors.Wrap(err, "opening listener")
	}
	tlsConfig, err := GetTLSConfig(&m.Config.TLS, m.logger)
	if err != nil {
		return errors.Wrap(err, "getting tls config")
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	m.ln = ln

	opts := []handlerOption{
		OptHandlerCoordinator(m.Coordinator),
		OptHandlerLogger(m.logger),
		OptHandlerStats(m.stats),
		OptHandlerListener(m.ln),
	}
	if len(m.Config.Handler.AllowedOrigins) > 0 {
		opts = append(opts, OptHandlerAllowedOrigins(m.Config.Handler.AllowedOrigins))
	}
	m.handler, err = NewHandler(opts...)
	if err != nil {
		return errors.Wrap(err, "new handler")
	}

	go func() {
		if err := m.handler.Serve(); err != nil {
			m.logger.Errorf("handler serve: %v", err)
		}
	}()

	go m.monitorRuntime()

	return nil
}

// Address returns the address the server is listening on. It differs
// from Config.Bind when binding to port 0.
func (m *Command) Address() meridian.Address {
	if m.ln == nil {
		return meridian.Address(m.Config.Bind)
	}
	return meridian.Address(m.ln.Addr().String())
}

// Close shuts down the server.
func (m *Command) Close() error {
	close(m.closing)

	var errh, errs, errc, errd error
	if m.handler != nil {
		errh = m.handler.Close()
	}
	if m.sources != nil {
		errs = m.sources.Stop()
	}
	if m.Coordinator != nil {
		errc = m.Coordinator.Stop()
	}
	if m.db != nil {
		errd = m.db.Close()
	}
	if m.tracerCloser != nil {
		if err := m.tracerCloser.Close(); err != nil {
			m.logger.Printf("closing tracer: %v", err)
		}
	}

	var errl error
	if closer, ok := m.logOutput.(io.Closer); ok {
		// Leave the process's own stdout and stderr alone.
		if closer != os.Stdout && closer != os.Stderr {
			errl = closer.Close()
		}
	}
	close(m.Done)

	switch {
	case errh != nil:
		return errors.Wrap(errh, "closing handler")
	case errs != nil:
		return errors.Wrap(errs, "stopping source manager")
	case errc != nil:
		return errors.Wrap(errc, "stopping coordinator")
	case errd != nil:
		return errors.Wrap(errd, "closing catalog store")
	case errl != nil:
		return errors.Wrap(errl, "closing log output")
	}
	return nil
}

// setupLogger sets up the logger based on the configuration.
func (m *Command) setupLogger() error {
	if m.Config.LogPath == "" {
		m.logOutput = m.Stderr
	} else {
		w, err := logger.NewFileWriter(m.Config.LogPath)
		if err != nil {
			return errors.Wrap(err, "opening log file")
		}
		m.logOutput = w

		// Reopen the log file on SIGHUP so rotation works without a
		// restart.
		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)
		go func() {
			defer signal.Stop(sighup)
			for {
				select {
				case <-m.closing:
					return
				case <-sighup:
					if err := w.Reopen(); err != nil {
						m.logger.Printf("reopening log file: %v", err)
					}
				}
			}
		}()
	}

	if m.Config.Verbose {
		m.logger = logger.NewVerboseLogger(m.logOutput)
	} else {
		m.logger = logger.NewStandardLogger(m.logOutput)
	}
	return nil
}

// monitorRuntime periodically samples runtime statistics into the stats
// client. Garbage collections are counted as they happen.
func (m *Command) monitorRuntime() {
	// Disable metrics when poll interval is zero.
	if m.Config.Metric.PollInterval <= 0 {
		return
	}

	m.logger.Printf("runtime stats initializing (%s interval)", time.Duration(m.Config.Metric.PollInterval))

	var ms runtime.MemStats
	ticker := time.NewTicker(time.Duration(m.Config.Metric.PollInterval))
	defer ticker.Stop()

	defer m.GCNotifier.Close()
	gcn := m.GCNotifier.AfterGC()

	for {
		// Wait for tick or a close.
		select {
		case <-m.closing:
			return
		case <-gcn:
			m.stats.Count(meridian.MetricGarbageCollection, 1, 1.0)
		case <-ticker.C:
		}

		// Record the number of go routines.
		m.stats.Gauge(meridian.MetricGoroutines, float64(runtime.NumGoroutine()), 1.0)

		// Open file handles.
		if n, err := countOpenFiles(); err == nil {
			m.stats.Gauge(meridian.MetricOpenFiles, float64(n), 1.0)
		}

		// Free space on the volume holding the catalog.
		m.stats.Gauge(meridian.MetricDiskFree, float64(du.NewDiskUsage(m.Config.DataDir).Free()), 1.0)

		// Runtime memory metrics.
		runtime.ReadMemStats(&ms)
		m.stats.Gauge(meridian.MetricHeapAlloc, float64(ms.HeapAlloc), 1.0)
		m.stats.Gauge(meridian.MetricHeapInuse, float64(ms.HeapInuse), 1.0)
		m.stats.Gauge(meridian.MetricStackInuse, float64(ms.StackInuse), 1.0)
		m.stats.Gauge(meridian.MetricMallocs, float64(ms.Mallocs), 1.0)
		m.stats.Gauge(meridian.MetricFrees, float64(ms.Frees), 1.0)
	}
}

// countOpenFiles on operating systems that support lsof.
func countOpenFiles() (int, error) {
	switch runtime.GOOS {
	case "darwin", "linux", "unix", "freebsd":
		// -b option avoids kernel blocks
		pid := os.Getpid()
		out, err := exec.Command("/bin/sh", "-c", fmt.Sprintf("lsof -b -p %v", pid)).Output()
		if err != nil {
			return 0, errors.Wrap(err, "calling lsof")
		}
		// only count lines with our pid, avoiding warning messages from -b
		lines := strings.Split(string(out), strconv.Itoa(pid))
		return len(lines), nil
	default:
		return 0, errors.Errorf("countOpenFiles() on this OS is not supported")
	}
}

// NewStatsClient creates a stats client from the config
func NewStatsClient(name string, host string) (stats.StatsClient, error) {
	switch name {
	case "expvar":
		return stats.NewExpvarStatsClient(), nil
	case "statsd":
		return statsd.NewStatsClient(host, "meridian")
	case "prometheus":
		return prometheus.NewPrometheusClient(), nil
	case "none", "nop", "":
		return stats.NopStatsClient, nil
	default:
		return nil, errors.Errorf("%q is not a valid metric service, pick one of expvar, prometheus, statsd, or none", name)
	}
}
