package source

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/logger"
	"github.com/meridiandb/meridian/stats"
)

// fakeReader serves a scripted sequence of watermarks, repeating the
// last one once the script runs out.
type fakeReader struct {
	watermarks []uint64
	errs       []error
	calls      int
	closed     bool
}

func (r *fakeReader) Watermark(ctx context.Context) (uint64, error) {
	i := r.calls
	if i >= len(r.watermarks) {
		i = len(r.watermarks) - 1
	}
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return 0, r.errs[i]
	}
	return r.watermarks[i], nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

// recordingReporter collects reported advances.
type recordingReporter struct {
	mu       sync.Mutex
	fail     bool
	advances []meridian.UpperAdvance
}

func (r *recordingReporter) ReportUpperAdvance(adv meridian.UpperAdvance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("coordinator stopped")
	}
	r.advances = append(r.advances, adv)
	return nil
}

func newTestPoller(reader Reader, reporter Reporter) *poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &poller{
		object:   7,
		name:     "clicks",
		reader:   reader,
		reporter: reporter,
		interval: time.Millisecond,
		limiter:  rate.NewLimiter(rate.Every(time.Millisecond), 1),
		backoff:  time.Millisecond,
		ctx:      ctx,
		cancel:   cancel,
		stats:    stats.NopStatsClient,
		logger:   logger.NopLogger,
	}
}

func TestPollerReportsAdvances(t *testing.T) {
	reader := &fakeReader{watermarks: []uint64{0, 3, 3, 8}}
	reporter := &recordingReporter{}
	p := newTestPoller(reader, reporter)
	defer p.stop()

	// An empty source reports nothing: upper 0 is where it starts.
	p.poll()
	require.Empty(t, reporter.advances)

	p.poll()
	require.Len(t, reporter.advances, 1)
	assert.Equal(t, meridian.GlobalID(7), reporter.advances[0].ObjectID)
	assert.Equal(t, meridian.Timestamp(3), reporter.advances[0].Upper)

	// The same watermark again is not re-reported, and the poller
	// eases off.
	p.poll()
	require.Len(t, reporter.advances, 1)
	assert.True(t, p.atTip)

	// Movement speeds it back up.
	p.poll()
	require.Len(t, reporter.advances, 2)
	assert.Equal(t, meridian.Timestamp(8), reporter.advances[1].Upper)
	assert.False(t, p.atTip)
}

func TestPollerKeepsGoingAfterReadError(t *testing.T) {
	boom := errors.New("connection refused")
	reader := &fakeReader{watermarks: []uint64{0, 5}, errs: []error{boom}}
	reporter := &recordingReporter{}
	p := newTestPoller(reader, reporter)
	defer p.stop()

	p.poll()
	require.Empty(t, reporter.advances)

	p.poll()
	require.Len(t, reporter.advances, 1)
	assert.Equal(t, meridian.Timestamp(5), reporter.advances[0].Upper)
}

func TestPollerRereportsAfterReporterError(t *testing.T) {
	reader := &fakeReader{watermarks: []uint64{4}}
	reporter := &recordingReporter{fail: true}
	p := newTestPoller(reader, reporter)
	defer p.stop()

	// A failed report leaves the watermark unacknowledged.
	p.poll()
	require.Empty(t, reporter.advances)

	// The next poll retries it.
	reporter.fail = false
	p.poll()
	require.Len(t, reporter.advances, 1)
	assert.Equal(t, meridian.Timestamp(4), reporter.advances[0].Upper)
}

// staticLister serves a fixed object list.
type staticLister struct {
	objects meridian.Objects
}

func (l *staticLister) Sources(context.Context) (meridian.Objects, error) {
	return l.objects, nil
}

func TestManagerSyncTracksCatalog(t *testing.T) {
	clicks := &meridian.Object{
		ID:   3,
		Name: "clicks",
		Kind: meridian.ObjectKindSource,
		Source: &meridian.SourceConfig{
			Connector: meridian.ConnectorKafka,
			Format:    meridian.FormatJSON,
			Kafka: &meridian.KafkaConnector{
				Brokers: []string{"localhost:9092"},
				Topic:   "clicks",
			},
			// Keep the poller idle for the duration of the test.
			TickInterval: time.Hour,
		},
	}
	lister := &staticLister{objects: meridian.Objects{clicks}}
	m := NewManager(Config{Lister: lister, Reporter: &recordingReporter{}})
	defer m.Stop()

	m.Sync(context.Background())
	require.Len(t, m.pollers, 1)

	// A second pass is a no-op.
	m.Sync(context.Background())
	require.Len(t, m.pollers, 1)

	// An inoperable source is not polled.
	clicks.Inoperable = true
	m.Sync(context.Background())
	require.Empty(t, m.pollers)

	clicks.Inoperable = false
	m.Sync(context.Background())
	require.Len(t, m.pollers, 1)

	// Dropping the source stops its poller.
	lister.objects = nil
	m.Sync(context.Background())
	require.Empty(t, m.pollers)
}

func TestManagerSkipsBrokenConnector(t *testing.T) {
	junk := &meridian.Object{
		ID:     4,
		Name:   "junk",
		Kind:   meridian.ObjectKindSource,
		Source: &meridian.SourceConfig{Connector: "carrier-pigeon"},
	}
	m := NewManager(Config{Lister: &staticLister{objects: meridian.Objects{junk}}})
	defer m.Stop()

	m.Sync(context.Background())
	assert.Empty(t, m.pollers)
}
