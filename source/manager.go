package source

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
	"github.com/meridiandb/meridian/stats"
)

// Lister names the source objects a Manager should be polling. The
// coordinator's catalog backs it.
type Lister interface {
	Sources(ctx context.Context) (meridian.Objects, error)
}

// Reporter receives watermark advances. The coordinator feeds them to
// its frontier tracker.
type Reporter interface {
	ReportUpperAdvance(adv meridian.UpperAdvance) error
}

// Manager keeps one poller running per live source. It reconciles its
// poller set against the catalog on an interval, so created sources
// start being polled and dropped or inoperable ones stop.
type Manager struct {
	lister   Lister
	reporter Reporter

	syncInterval time.Duration
	tickInterval time.Duration

	mu      sync.Mutex
	pollers map[meridian.GlobalID]*poller

	stopping        chan struct{}
	backgroundGroup errgroup.Group

	stats  stats.StatsClient
	logger logger.Logger
}

// Config holds the collaborators and intervals for a Manager.
type Config struct {
	Lister   Lister
	Reporter Reporter

	// SyncInterval is how often the poller set is reconciled against
	// the catalog.
	SyncInterval time.Duration

	// TickInterval is the poll cadence for sources that do not set
	// their own.
	TickInterval time.Duration

	Stats  stats.StatsClient
	Logger logger.Logger
}

// NewManager returns a new instance of Manager with default values.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		lister:       nopLister{},
		reporter:     nopReporter{},
		syncInterval: 5 * time.Second,
		tickInterval: time.Second,
		pollers:      make(map[meridian.GlobalID]*poller),
		stopping:     make(chan struct{}),
		stats:        stats.NopStatsClient,
		logger:       logger.NopLogger,
	}

	// Set config options.
	if cfg.Lister != nil {
		m.lister = cfg.Lister
	}
	if cfg.Reporter != nil {
		m.reporter = cfg.Reporter
	}
	if cfg.SyncInterval != 0 {
		m.syncInterval = cfg.SyncInterval
	}
	if cfg.TickInterval != 0 {
		m.tickInterval = cfg.TickInterval
	}
	if cfg.Stats != nil {
		m.stats = cfg.Stats
	}
	if cfg.Logger != nil {
		m.logger = cfg.Logger
	}

	return m
}

// Start launches the reconcile loop.
func (m *Manager) Start() error {
	m.stopping = make(chan struct{})
	m.backgroundGroup.Go(func() error {
		m.run()
		return nil
	})
	return nil
}

// Stop halts the reconcile loop and every poller.
func (m *Manager) Stop() error {
	close(m.stopping)

	m.mu.Lock()
	for id, p := range m.pollers {
		p.stop()
		delete(m.pollers, id)
	}
	m.mu.Unlock()

	err := m.backgroundGroup.Wait()
	return errors.Wrap(err, "waiting on pollers")
}

func (m *Manager) run() {
	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()

	// Populate immediately rather than waiting out the first tick.
	m.Sync(context.Background())

	for {
		select {
		case <-m.stopping:
			return
		case <-ticker.C:
		}

		m.Sync(context.Background())
	}
}

// Sync reconciles the running pollers against the catalog once. The
// reconcile loop calls it on an interval; callers that just committed a
// create can call it directly instead of waiting out the interval.
func (m *Manager) Sync(ctx context.Context) {
	objects, err := m.lister.Sources(ctx)
	if err != nil {
		m.logger.Printf("listing sources: %v", err)
		return
	}

	live := make(map[meridian.GlobalID]*meridian.Object, len(objects))
	for _, obj := range objects {
		if obj.Source == nil || obj.Inoperable {
			continue
		}
		live[obj.ID] = obj
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.stopping:
		return
	default:
	}

	for id, p := range m.pollers {
		if _, ok := live[id]; !ok {
			p.stop()
			delete(m.pollers, id)
			m.logger.Debugf("stopped polling %s", p.name)
		}
	}

	for id, obj := range live {
		if _, ok := m.pollers[id]; ok {
			continue
		}
		p, err := m.newPoller(obj)
		if err != nil {
			m.logger.Printf("cannot poll %s: %v", obj.Name, err)
			continue
		}
		m.pollers[id] = p
		m.backgroundGroup.Go(func() error {
			p.run()
			return nil
		})
		m.logger.Debugf("polling %s every %s", obj.Name, p.interval)
	}
}

func (m *Manager) newPoller(obj *meridian.Object) (*poller, error) {
	reader, err := NewReader(obj.Source, m.logger)
	if err != nil {
		return nil, err
	}

	interval := obj.Source.TickInterval
	if interval <= 0 {
		interval = m.tickInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &poller{
		object:   obj.ID,
		name:     obj.Name,
		reader:   reader,
		reporter: m.reporter,
		interval: interval,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		backoff:  errorBackoff,
		ctx:      ctx,
		cancel:   cancel,
		stats:    m.stats.WithTags("source:" + string(obj.Name)),
		logger:   m.logger,
	}, nil
}

const (
	// idleDivisor is how much slower an unmoving source is polled.
	idleDivisor = 5

	// errorBackoff spaces retries after a failed watermark read.
	errorBackoff = 2 * time.Second
)

// poller drives one source's watermark reads. It paces itself with a
// rate limiter instead of a ticker so backing off an idle source is a
// SetLimit call: while the watermark moves we poll at the configured
// cadence, once it stops we drop to a fraction of it.
type poller struct {
	object meridian.GlobalID
	name   meridian.ObjectName

	reader   Reader
	reporter Reporter

	interval time.Duration
	limiter  *rate.Limiter
	backoff  time.Duration
	atTip    bool

	lastReported uint64

	ctx    context.Context
	cancel context.CancelFunc

	stats  stats.StatsClient
	logger logger.Logger
}

func (p *poller) run() {
	defer p.reader.Close()

	for {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
		p.poll()
	}
}

func (p *poller) stop() { p.cancel() }

func (p *poller) poll() {
	p.stats.Count(meridian.MetricSourcePoll, 1, 1.0)
	watermark, err := p.reader.Watermark(p.ctx)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		p.stats.Count(meridian.MetricSourcePollError, 1, 1.0)
		p.logger.Printf("reading watermark of %s: %v", p.name, err)
		select {
		case <-p.ctx.Done():
		case <-time.After(p.backoff):
		}
		return
	}

	if watermark <= p.lastReported {
		// At the tip: ease off until the source moves again.
		if !p.atTip {
			p.atTip = true
			p.limiter.SetLimit(rate.Every(p.interval * idleDivisor))
		}
		return
	}
	if p.atTip {
		p.atTip = false
		p.limiter.SetLimit(rate.Every(p.interval))
	}

	// A watermark of n means n records are committed upstream, so
	// every time below n is complete and n is the new upper.
	adv := meridian.UpperAdvance{
		ObjectID: p.object,
		Upper:    meridian.Timestamp(watermark),
	}
	if err := p.reporter.ReportUpperAdvance(adv); err != nil {
		p.logger.Printf("reporting upper of %s: %v", p.name, err)
		return
	}
	p.lastReported = watermark
}

type nopLister struct{}

func (nopLister) Sources(context.Context) (meridian.Objects, error) { return nil, nil }

type nopReporter struct{}

func (nopReporter) ReportUpperAdvance(meridian.UpperAdvance) error { return nil }
