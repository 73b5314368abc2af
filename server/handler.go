package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"expvar"
	"mime"
	"net"
	"net/http"
	_ "net/http/pprof" // Imported for its side-effect of registering pprof endpoints with the server.
	"runtime/debug"
	"strings"
	"time"

	"github.com/felixge/fgprof"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prom2json"

	"github.com/meridiandb/meridian"
	"github.com/meridiandb/meridian/coordinator"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/logger"
	"github.com/meridiandb/meridian/stats"
	"github.com/meridiandb/meridian/tracing"
)

// Handler represents an HTTP handler.
type Handler struct {
	Handler http.Handler

	coord *coordinator.Coordinator

	logger logger.Logger

	stats stats.StatsClient

	ln net.Listener

	closeTimeout time.Duration

	server *http.Server
}

// externalPrefixFlag denotes endpoints that are intended to be exposed to
// clients. This is used for stats tagging.
var externalPrefixFlag = map[string]bool{
	"statement": true,
	"session":   true,
	"catalog":   true,
	"frontiers": true,
	"status":    true,
	"version":   true,
}

type errorResponse struct {
	Error string `json:"error"`
}

// handlerOption is a functional option type for server.Handler.
type handlerOption func(h *Handler) error

func OptHandlerAllowedOrigins(origins []string) handlerOption {
	return func(h *Handler) error {
		h.Handler = handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(h.Handler)
		return nil
	}
}

func OptHandlerCoordinator(coord *coordinator.Coordinator) handlerOption {
	return func(h *Handler) error {
		h.coord = coord
		return nil
	}
}

func OptHandlerLogger(logger logger.Logger) handlerOption {
	return func(h *Handler) error {
		h.logger = logger
		return nil
	}
}

func OptHandlerStats(client stats.StatsClient) handlerOption {
	return func(h *Handler) error {
		h.stats = client
		return nil
	}
}

func OptHandlerListener(ln net.Listener) handlerOption {
	return func(h *Handler) error {
		h.ln = ln
		return nil
	}
}

// OptHandlerCloseTimeout controls how long to wait for the http Server to
// shutdown cleanly before forcibly destroying it. Default is 30 seconds.
func OptHandlerCloseTimeout(d time.Duration) handlerOption {
	return func(h *Handler) error {
		h.closeTimeout = d
		return nil
	}
}

// NewHandler returns a new instance of Handler with a default logger.
func NewHandler(opts ...handlerOption) (*Handler, error) {
	handler := &Handler{
		logger:       logger.NopLogger,
		stats:        stats.NopStatsClient,
		closeTimeout: time.Second * 30,
	}
	handler.Handler = newRouter(handler)

	for _, opt := range opts {
		err := opt(handler)
		if err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}

	if handler.coord == nil {
		return nil, errors.Errorf("must pass OptHandlerCoordinator")
	}

	if handler.ln == nil {
		return nil, errors.Errorf("must pass OptHandlerListener")
	}

	handler.server = &http.Server{Handler: handler}

	return handler, nil
}

func (h *Handler) Serve() error {
	err := h.server.Serve(h.ln)
	if err != nil && err != http.ErrServerClosed {
		h.logger.Printf("HTTP handler terminated with error: %s\n", err)
		return errors.Wrap(err, "serve http")
	}
	return nil
}

// Close tries to cleanly shutdown the HTTP server, and failing that, after
// a timeout, calls Server.Close.
func (h *Handler) Close() error {
	deadlineCtx, cancelFunc := context.WithDeadline(context.Background(), time.Now().Add(h.closeTimeout))
	defer cancelFunc()
	err := h.server.Shutdown(deadlineCtx)
	if err != nil {
		err = h.server.Close()
	}
	return errors.Wrap(err, "shutdown/close http server")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			stack := debug.Stack()
			h.logger.Printf("PANIC: %s\n%s", err, stack)
		}
	}()

	h.Handler.ServeHTTP(w, r)
}

func (h *Handler) extractTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span, ctx := tracing.GlobalTracer.ExtractHTTPHeaders(r)
		defer span.Finish()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// slowRequest is the duration past which a request gets logged and
// tagged slow.
const slowRequest = time.Second

func (h *Handler) collectStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(t)

		statsTags := make([]string, 0, 4)

		if dur > slowRequest {
			h.logger.Printf("%s %s %v", r.Method, r.URL.String(), dur)
			statsTags = append(statsTags, "slow:true")
		} else {
			statsTags = append(statsTags, "slow:false")
		}

		pathParts := strings.Split(r.URL.Path, "/")
		if len(pathParts) > 1 && externalPrefixFlag[pathParts[1]] {
			statsTags = append(statsTags, "where:external")
		} else {
			statsTags = append(statsTags, "where:internal")
		}

		path, err := mux.CurrentRoute(r).GetPathTemplate()
		if err == nil {
			statsTags = append(statsTags, "path:"+path)
		}

		statsTags = append(statsTags, "method:"+r.Method)

		h.stats.WithTags(statsTags...).Timing(meridian.MetricHttpRequest, dur, 0.1)
	})
}

// newRouter creates a new mux http router.
func newRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", handler.handleHome).Methods("GET").Name("Home")
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux).Methods("GET")
	router.PathPrefix("/debug/fgprof").Handler(fgprof.Handler()).Methods("GET")
	router.Handle("/debug/vars", expvar.Handler()).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/metrics.json", handler.handleGetMetricsJSON).Methods("GET").Name("GetMetricsJSON")
	router.HandleFunc("/health", handler.handleGetHealth).Methods("GET").Name("GetHealth")
	router.HandleFunc("/version", handler.handleGetVersion).Methods("GET").Name("GetVersion")
	router.HandleFunc("/status", handler.handleGetStatus).Methods("GET").Name("GetStatus")
	router.HandleFunc("/statement", handler.handlePostStatement).Methods("POST").Name("PostStatement")
	router.HandleFunc("/session/begin", handler.handlePostSessionBegin).Methods("POST").Name("PostSessionBegin")
	router.HandleFunc("/session/commit", handler.handlePostSessionCommit).Methods("POST").Name("PostSessionCommit")
	router.HandleFunc("/session/rollback", handler.handlePostSessionRollback).Methods("POST").Name("PostSessionRollback")
	router.HandleFunc("/session/close", handler.handlePostSessionClose).Methods("POST").Name("PostSessionClose")
	router.HandleFunc("/catalog/objects", handler.handleGetObjects).Methods("GET").Name("GetObjects")
	router.HandleFunc("/frontiers", handler.handleGetFrontiers).Methods("GET").Name("GetFrontiers")
	router.HandleFunc("/engine/register", handler.handlePostEngineRegister).Methods("POST").Name("PostEngineRegister")
	router.HandleFunc("/engine/ack", handler.handlePostEngineAck).Methods("POST").Name("PostEngineAck")
	router.HandleFunc("/engine/frontier", handler.handlePostEngineFrontier).Methods("POST").Name("PostEngineFrontier")
	router.HandleFunc("/engine/since", handler.handlePostEngineSince).Methods("POST").Name("PostEngineSince")
	router.HandleFunc("/engine/peek-result", handler.handlePostEnginePeekResult).Methods("POST").Name("PostEnginePeekResult")

	router.Use(handler.extractTracing)
	router.Use(handler.collectStats)
	return router
}

func (h *Handler) handleHome(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Welcome. Meridian is running. Visit /status for coordinator state.", http.StatusNotFound)
}

// validHeaderAcceptJSON returns false if one or more Accept
// headers are present, but none of them are "application/json"
// (or any matching wildcard). Otherwise returns true.
func validHeaderAcceptJSON(header http.Header) bool {
	if v, found := header["Accept"]; found {
		for _, v := range v {
			t, _, err := mime.ParseMediaType(v)
			if err != nil {
				continue
			}
			spl := strings.SplitN(t, "/", 2)
			if len(spl) < 2 {
				continue
			}
			switch {
			case spl[0] == "application" && spl[1] == "json":
				return true
			case spl[0] == "*" && spl[1] == "json":
				return true
			case spl[0] == "application" && spl[1] == "*":
				return true
			case spl[0] == "*" && spl[1] == "*":
				return true
			}
		}
		return false
	}
	return true
}

// errorStatus maps one of our coded errors onto an HTTP status code.
func errorStatus(err error) int {
	switch errors.Cause(err) {
	case context.DeadlineExceeded, context.Canceled:
		return http.StatusRequestTimeout
	}
	switch {
	case errors.Is(err, meridian.ErrUnknownObject):
		return http.StatusNotFound
	case errors.Is(err, meridian.ErrNameCollision),
		errors.Is(err, meridian.ErrDependentObjectsExist),
		errors.Is(err, meridian.ErrObjectInoperable),
		errors.Is(err, coordinator.ErrTransactionInProgress),
		errors.Is(err, coordinator.ErrNoActiveTransaction),
		errors.Is(err, coordinator.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, meridian.ErrInvalidStatement),
		errors.Is(err, meridian.ErrInvalidTimestamp),
		errors.Is(err, meridian.ErrInvalidTransaction),
		errors.Is(err, meridian.ErrInvalidConnector),
		errors.Is(err, meridian.ErrInvalidCompactionWindow):
		return http.StatusBadRequest
	case errors.Is(err, meridian.ErrEngineUnresponsive),
		errors.Is(err, meridian.ErrDataflowInstallation):
		return http.StatusBadGateway
	case errors.Is(err, coordinator.ErrCoordinatorStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errorStatus(err))
	if encErr := json.NewEncoder(w).Encode(errorResponse{Error: err.Error()}); encErr != nil {
		h.logger.Printf("write error response error: %s", encErr)
	}
}

// statementRequest is the envelope for POST /statement. Session ties the
// statement to a client session; when it is empty the statement runs on
// a one-shot session that is closed as the request finishes, releasing
// anything the statement held.
type statementRequest struct {
	Session   meridian.SessionID  `json:"session,omitempty"`
	Statement *meridian.Statement `json:"statement"`
}

// handlePostStatement handles POST /statement requests.
func (h *Handler) handlePostStatement(w http.ResponseWriter, r *http.Request) {
	var req statementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decoding statement request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Statement == nil {
		http.Error(w, "statement required", http.StatusBadRequest)
		return
	}

	sessionID := req.Session
	if sessionID == "" {
		sessionID = meridian.NewSessionID()
		defer func() {
			if err := h.coord.CloseSession(context.Background(), sessionID); err != nil {
				h.logger.Debugf("closing one-shot session %s: %v", sessionID, err)
			}
		}()
	}

	result, err := h.coord.Execute(r.Context(), sessionID, req.Statement)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		h.logger.Printf("write statement response error: %s", err)
	}
}

type sessionRequest struct {
	Session meridian.SessionID `json:"session"`
}

func (h *Handler) handleSessionAction(w http.ResponseWriter, r *http.Request, action func(context.Context, meridian.SessionID) error) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decoding session request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Session == "" {
		http.Error(w, "session required", http.StatusBadRequest)
		return
	}
	if err := action(r.Context(), req.Session); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePostSessionBegin handles POST /session/begin requests.
func (h *Handler) handlePostSessionBegin(w http.ResponseWriter, r *http.Request) {
	h.handleSessionAction(w, r, h.coord.Begin)
}

// handlePostSessionCommit handles POST /session/commit requests.
func (h *Handler) handlePostSessionCommit(w http.ResponseWriter, r *http.Request) {
	h.handleSessionAction(w, r, h.coord.Commit)
}

// handlePostSessionRollback handles POST /session/rollback requests.
func (h *Handler) handlePostSessionRollback(w http.ResponseWriter, r *http.Request) {
	h.handleSessionAction(w, r, h.coord.Rollback)
}

// handlePostSessionClose handles POST /session/close requests. Closing a
// session cancels its pending reads, ends its subscriptions, and rolls
// back any open transaction.
func (h *Handler) handlePostSessionClose(w http.ResponseWriter, r *http.Request) {
	h.handleSessionAction(w, r, h.coord.CloseSession)
}

// handleGetStatus handles GET /status requests.
func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	if !validHeaderAcceptJSON(r.Header) {
		http.Error(w, "JSON only acceptable response", http.StatusNotAcceptable)
		return
	}
	status, err := h.coord.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Printf("write status response error: %s", err)
	}
}

// handleGetObjects handles GET /catalog/objects requests.
func (h *Handler) handleGetObjects(w http.ResponseWriter, r *http.Request) {
	if !validHeaderAcceptJSON(r.Header) {
		http.Error(w, "JSON only acceptable response", http.StatusNotAcceptable)
		return
	}
	status, err := h.coord.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Objects meridian.Objects `json:"objects"`
	}{Objects: status.Objects}); err != nil {
		h.logger.Printf("write objects response error: %s", err)
	}
}

// handleGetFrontiers handles GET /frontiers requests.
func (h *Handler) handleGetFrontiers(w http.ResponseWriter, r *http.Request) {
	if !validHeaderAcceptJSON(r.Header) {
		http.Error(w, "JSON only acceptable response", http.StatusNotAcceptable)
		return
	}
	status, err := h.coord.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Frontiers      map[meridian.GlobalID]meridian.Frontier  `json:"frontiers"`
		ConfirmedSince map[meridian.GlobalID]meridian.Timestamp `json:"confirmedSince,omitempty"`
		ReadWatermark  meridian.Timestamp                       `json:"readWatermark"`
	}{
		Frontiers:      status.Frontiers,
		ConfirmedSince: status.ConfirmedSince,
		ReadWatermark:  status.ReadWatermark,
	}); err != nil {
		h.logger.Printf("write frontiers response error: %s", err)
	}
}

// handleGetHealth handles GET /health requests.
func (h *Handler) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.coord.Done():
		http.Error(w, "coordinator stopped", http.StatusServiceUnavailable)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// handleGetVersion handles /version requests.
func (h *Handler) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	if !validHeaderAcceptJSON(r.Header) {
		http.Error(w, "JSON only acceptable response", http.StatusNotAcceptable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(struct {
		Version string `json:"version"`
	}{
		Version: meridian.Version,
	})
	if err != nil {
		h.logger.Printf("write version response error: %s", err)
	}
}

type registerRequest struct {
	Addresses []meridian.Address `json:"addresses"`
}

// handlePostEngineRegister handles POST /engine/register requests, by
// which workers announce the fleet to dispatch dataflows onto.
func (h *Handler) handlePostEngineRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decoding register request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.coord.RegisterEngineWorkers(r.Context(), req.Addresses); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePostEngineAck handles POST /engine/ack requests carrying a
// dataflow create or drop acknowledgment.
func (h *Handler) handlePostEngineAck(w http.ResponseWriter, r *http.Request) {
	var ack meridian.DataflowAck
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
		http.Error(w, "decoding dataflow ack: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.coord.ReportDataflowAck(ack); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePostEngineFrontier handles POST /engine/frontier requests
// carrying an upper advance.
func (h *Handler) handlePostEngineFrontier(w http.ResponseWriter, r *http.Request) {
	var adv meridian.UpperAdvance
	if err := json.NewDecoder(r.Body).Decode(&adv); err != nil {
		http.Error(w, "decoding upper advance: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.coord.ReportUpperAdvance(adv); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePostEngineSince handles POST /engine/since requests confirming
// an applied compaction.
func (h *Handler) handlePostEngineSince(w http.ResponseWriter, r *http.Request) {
	var conf meridian.SinceConfirm
	if err := json.NewDecoder(r.Body).Decode(&conf); err != nil {
		http.Error(w, "decoding since confirm: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.coord.ReportSinceConfirm(conf); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePostEnginePeekResult handles POST /engine/peek-result requests
// answering a dispatched peek.
func (h *Handler) handlePostEnginePeekResult(w http.ResponseWriter, r *http.Request) {
	var res meridian.PeekResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		http.Error(w, "decoding peek result: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.coord.ReportPeekResult(res); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetMetricsJSON handles /metrics.json requests, translating the
// prometheus exposition text to more consumable JSON.
func (h *Handler) handleGetMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if !validHeaderAcceptJSON(r.Header) {
		http.Error(w, "JSON only acceptable response", http.StatusNotAcceptable)
		return
	}

	scheme := "http"
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if r.TLS != nil {
		scheme = "https"
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	metricsURI := scheme + "://" + r.Host + "/metrics"

	mfChan := make(chan *dto.MetricFamily, 60)
	errChan := make(chan error)
	go func() {
		errChan <- prom2json.FetchMetricFamilies(metricsURI, mfChan, transport)
	}()

	families := []*prom2json.Family{}
	for mf := range mfChan {
		families = append(families, prom2json.NewFamily(mf))
	}
	if err := <-errChan; err != nil {
		http.Error(w, "fetching metrics: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(families); err != nil {
		h.logger.Errorf("json write error: %s", err)
	}
}
