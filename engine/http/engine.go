// Package http provides the http implementation of the Engine interface.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/engine"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
	"github.com/meridiandb/meridian/stats"
	"github.com/meridiandb/meridian/tracing"
)

// Ensure type implements interface.
var _ engine.Engine = (*Engine)(nil)

// Engine is an http implementation of the Engine interface. Each
// command is a JSON POST to one worker; the worker for a dataflow is
// chosen by hashing its id over the fleet, so a dataflow's commands all
// land on the same worker while the fleet is stable.
type Engine struct {
	mu    sync.RWMutex
	addrs []meridian.Address

	// dataflowPath is the path portion of the URI to which dataflow
	// commands should be POSTed.
	dataflowPath string

	// compactionPath is the path portion of the URI to which
	// allow-compaction commands should be POSTed.
	compactionPath string

	// peekPath is the path portion of the URI to which peeks should be
	// POSTed.
	peekPath string

	// insertPath is the path portion of the URI to which inserts should
	// be POSTed.
	insertPath string

	client *http.Client

	stats  stats.StatsClient
	logger logger.Logger
}

type Config struct {
	Addresses []meridian.Address

	DataflowPath   string
	CompactionPath string
	PeekPath       string
	InsertPath     string

	Stats  stats.StatsClient
	Logger logger.Logger
}

func NewEngine(cfg Config) *Engine {
	var logr = logger.NopLogger
	if cfg.Logger != nil {
		logr = cfg.Logger
	}

	e := &Engine{
		addrs:          cfg.Addresses,
		dataflowPath:   cfg.DataflowPath,
		compactionPath: cfg.CompactionPath,
		peekPath:       cfg.PeekPath,
		insertPath:     cfg.InsertPath,
		stats:          stats.NopStatsClient,
		logger:         logr,
	}
	if cfg.Stats != nil {
		e.stats = cfg.Stats
	}
	if e.dataflowPath == "" {
		e.dataflowPath = "dataflow"
	}
	if e.compactionPath == "" {
		e.compactionPath = "allow-compaction"
	}
	if e.peekPath == "" {
		e.peekPath = "peek"
	}
	if e.insertPath == "" {
		e.insertPath = "insert"
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Logger = logr
	e.client = retryClient.StandardClient()

	return e
}

// SetAddresses replaces the worker fleet. Commands in flight keep the
// address they already resolved.
func (e *Engine) SetAddresses(addrs []meridian.Address) {
	e.mu.Lock()
	e.addrs = addrs
	e.mu.Unlock()
}

// Addresses returns the current worker fleet.
func (e *Engine) Addresses() []meridian.Address {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]meridian.Address, len(e.addrs))
	copy(out, e.addrs)
	return out
}

// addressFor picks the worker responsible for a dataflow id.
func (e *Engine) addressFor(id meridian.DataflowID) (meridian.Address, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.addrs) == 0 {
		return "", errors.Wrap(meridian.NewErrEngineUnresponsive(""), "no engine workers registered")
	}
	return e.addrs[xxhash.Sum64String(string(id))%uint64(len(e.addrs))], nil
}

func (e *Engine) CreateDataflow(ctx context.Context, desc meridian.DataflowDescription) error {
	addr, err := e.addressFor(desc.ID)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s", addr.WithScheme("http"), e.dataflowPath)
	e.logger.Debugf("SEND HTTP create dataflow %s to: %s", desc.ID, url)

	return e.postJSON(ctx, addr, url, desc)
}

func (e *Engine) DropDataflow(ctx context.Context, id meridian.DataflowID) error {
	addr, err := e.addressFor(id)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/drop", addr.WithScheme("http"), e.dataflowPath)
	e.logger.Debugf("SEND HTTP drop dataflow %s to: %s", id, url)

	return e.postJSON(ctx, addr, url, meridian.DropDataflowCommand{ID: id})
}

func (e *Engine) AllowCompaction(ctx context.Context, cmd meridian.CompactionCommand) error {
	dataflow := cmd.Dataflow
	if dataflow == "" {
		dataflow = meridian.NewDataflowID(cmd.ObjectID)
	}
	addr, err := e.addressFor(dataflow)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s", addr.WithScheme("http"), e.compactionPath)
	e.logger.Debugf("SEND HTTP allow compaction of object %d for %s to: %s", uint64(cmd.ObjectID), dataflow, url)

	return e.postJSON(ctx, addr, url, cmd)
}

func (e *Engine) Peek(ctx context.Context, req meridian.PeekRequest) error {
	addr, err := e.addressFor(meridian.NewDataflowID(req.ObjectID))
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s", addr.WithScheme("http"), e.peekPath)
	e.logger.Debugf("SEND HTTP peek %s to: %s", req.PeekID, url)

	return e.postJSON(ctx, addr, url, req)
}

func (e *Engine) CancelPeek(ctx context.Context, id meridian.PeekID) error {
	// The peek id does not say which worker got the peek, so the cancel
	// goes to the whole fleet. It is best-effort either way.
	var first error
	for _, addr := range e.Addresses() {
		url := fmt.Sprintf("%s/%s/cancel", addr.WithScheme("http"), e.peekPath)
		if err := e.postJSON(ctx, addr, url, meridian.PeekResult{PeekID: id}); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (e *Engine) Insert(ctx context.Context, cmd meridian.InsertCommand) error {
	addr, err := e.addressFor(meridian.NewDataflowID(cmd.ObjectID))
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s", addr.WithScheme("http"), e.insertPath)
	e.logger.Debugf("SEND HTTP insert into object %d to: %s", uint64(cmd.ObjectID), url)

	return e.postJSON(ctx, addr, url, cmd)
}

func (e *Engine) postJSON(ctx context.Context, addr meridian.Address, url string, body interface{}) error {
	// Encode the request.
	postBody, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshalling request to json")
	}
	requestBody := bytes.NewBuffer(postBody)

	// Post the request.
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, requestBody)
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	request.Header.Add("Content-Type", "application/json")
	request.Header.Add("Accept", "application/json")
	tracing.GlobalTracer.InjectHTTPHeaders(request)

	resp, err := e.client.Do(request)
	if err != nil {
		e.stats.Count(meridian.MetricEngineUnresponsive, 1, 1.0)
		return errors.Wrapf(meridian.NewErrEngineUnresponsive(addr), "posting to %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		e.stats.Count(meridian.MetricEngineUnresponsive, 1, 1.0)
		return errors.Wrapf(meridian.NewErrEngineUnresponsive(addr), "status code: %d: %s", resp.StatusCode, b)
	}

	return nil
}
