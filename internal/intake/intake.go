// Package intake accepts batches of events from the upstream producer
// over HTTP and hands them to the broker through a bounded queue
package intake

import (
	"context"
	"errors"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/perti/swim/internal/broker"
	"github.com/perti/swim/internal/event"
	"github.com/perti/swim/internal/metrics"
	"github.com/perti/swim/internal/tier"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"
)

// Sink accepts events for publication
type Sink interface {
	// Enqueue returns the number of events accepted and the number pending
	Enqueue(events []*event.Event) (int, int, error)

	Pending() int
}

// Reporter describes the broker's sessions; it is nil when the intake
// runs without a broker in the same process
type Reporter interface {
	Count() int
	Counts() map[tier.Tier]int
	Uptime() time.Duration
	Report() []broker.ClientReport
}

// Config represents configuration options for the intake server
type Config struct {

	// Listen is the address to listen on, e.g. 127.0.0.1:8091
	Listen string `validate:"required"`

	// Secret admits non-loopback callers via header or bearer token
	Secret string

	// AllowLoopback admits loopback callers without the secret
	AllowLoopback bool

	// MaxBatch is the largest number of events in one request
	MaxBatch int `validate:"gt=0"`

	// MaxBodyBytes limits the request body
	MaxBodyBytes int64 `validate:"gt=0"`
}

// NewDefaultConfig returns a pointer to a Config struct with default parameters
func NewDefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:8091",
		AllowLoopback: true,
		MaxBatch:      1000,
		MaxBodyBytes:  4 << 20,
	}
}

// WithListen sets the listening address
func (c *Config) WithListen(listen string) *Config {
	c.Listen = listen
	return c
}

// WithSecret sets the shared secret
func (c *Config) WithSecret(secret string) *Config {
	c.Secret = secret
	return c
}

// WithAllowLoopback sets whether loopback callers are admitted without the secret
func (c *Config) WithAllowLoopback(allow bool) *Config {
	c.AllowLoopback = allow
	return c
}

// WithMaxBatch sets the largest batch accepted
func (c *Config) WithMaxBatch(n int) *Config {
	c.MaxBatch = n
	return c
}

// Server is the intake HTTP server
type Server struct {
	config Config

	sink Sink

	reporter Reporter

	validate *validator.Validate

	started time.Time
}

// EventsRequest is the body of POST /api/v1/events
type EventsRequest struct {
	Events []EventRequest `json:"events" validate:"required,min=1,dive"`
}

// EventRequest is one event in a batch
type EventRequest struct {
	Type string          `json:"type" validate:"required,max=128"`
	Data json.RawMessage `json:"data"`
}

// EventsResponse reports how many events were accepted
type EventsResponse struct {
	Success      bool `json:"success"`
	Queued       int  `json:"queued"`
	TotalPending int  `json:"total_pending"`
}

// ErrorResponse carries a failure reason
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /healthcheck
type HealthResponse struct {
	Status           string `json:"status"`
	ConnectedClients int    `json:"connected_clients"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	Pending          int    `json:"pending"`
}

// ProcessStats describes this process
type ProcessStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
	Goroutines int     `json:"goroutines"`
}

// StatsResponse is returned by GET /api/v1/stats
type StatsResponse struct {
	ConnectedClients int                   `json:"connected_clients"`
	UptimeSeconds    int64                 `json:"uptime_seconds"`
	Tiers            map[tier.Tier]int     `json:"tiers"`
	Pending          int                   `json:"pending"`
	Process          ProcessStats          `json:"process"`
	Sessions         []broker.ClientReport `json:"sessions"`
}

// New returns an intake server handing events to sink. The reporter may be nil.
func New(config Config, sink Sink, reporter Reporter) (*Server, error) {

	v := validator.New()

	if err := v.Struct(config); err != nil {
		return nil, err
	}

	if sink == nil {
		return nil, errors.New("no sink")
	}

	if !config.AllowLoopback && config.Secret == "" {
		log.Warn("intake has no secret and loopback is not allowed; every caller will be rejected")
	}

	return &Server{
		config:   config,
		sink:     sink,
		reporter: reporter,
		validate: v,
		started:  time.Now(),
	}, nil
}

// Handler returns the intake routes
func (s *Server) Handler() http.Handler {

	router := mux.NewRouter()

	router.HandleFunc("/api/v1/events", s.allowList(s.handleEvents)).Methods("POST")
	router.HandleFunc("/api/v1/stats", s.allowList(s.handleStats)).Methods("GET")
	router.HandleFunc("/healthcheck", s.handleHealthcheck).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// Run serves the intake until the context is cancelled
func (s *Server) Run(ctx context.Context) error {

	srv := &http.Server{Addr: s.config.Listen, Handler: s.Handler()}

	errs := make(chan error, 1)

	go func() {
		log.WithField("listen", s.config.Listen).Info("intake listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		log.WithField("error", err.Error()).Error("intake stopped")
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv.SetKeepAlivesEnabled(false)

	return srv.Shutdown(sctx)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var req EventsRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.IntakeRequests.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.validate.Struct(req); err != nil {
		metrics.IntakeRequests.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid events: "+err.Error())
		return
	}

	if len(req.Events) > s.config.MaxBatch {
		metrics.IntakeRequests.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusRequestEntityTooLarge, "too many events in batch")
		return
	}

	now := time.Now()

	events := make([]*event.Event, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, &event.Event{
			Type:      e.Type,
			Timestamp: now,
			Data:      e.Data,
		})
	}

	queued, pending, err := s.sink.Enqueue(events)

	if err != nil {
		metrics.IntakeRequests.WithLabelValues("error").Inc()
		log.WithField("error", err.Error()).Error("intake could not enqueue events")
		writeError(w, http.StatusServiceUnavailable, "events not queued")
		return
	}

	metrics.IntakeRequests.WithLabelValues("accepted").Inc()

	log.WithFields(log.Fields{"queued": queued, "pending": pending}).Debug("intake accepted events")

	writeJSON(w, http.StatusOK, EventsResponse{
		Success:      true,
		Queued:       queued,
		TotalPending: pending,
	})
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {

	h := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Pending:       s.sink.Pending(),
	}

	if s.reporter != nil {
		h.ConnectedClients = s.reporter.Count()
		h.UptimeSeconds = int64(s.reporter.Uptime().Seconds())
	}

	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {

	sr := StatsResponse{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Tiers:         map[tier.Tier]int{},
		Pending:       s.sink.Pending(),
		Process:       processStats(),
		Sessions:      []broker.ClientReport{},
	}

	if s.reporter != nil {
		sr.ConnectedClients = s.reporter.Count()
		sr.UptimeSeconds = int64(s.reporter.Uptime().Seconds())
		sr.Tiers = s.reporter.Counts()
		sr.Sessions = s.reporter.Report()
	}

	writeJSON(w, http.StatusOK, sr)
}

// processStats reports what it can; missing values are left at zero
func processStats() ProcessStats {

	ps := ProcessStats{Goroutines: runtime.NumGoroutine()}

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.WithField("error", err.Error()).Debug("process stats unavailable")
		return ps
	}

	if mi, err := p.MemoryInfo(); err == nil {
		ps.RSSBytes = mi.RSS
	}

	if cpu, err := p.CPUPercent(); err == nil {
		ps.CPUPercent = cpu
	}

	if n, err := p.NumThreads(); err == nil {
		ps.Threads = n
	}

	return ps
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("error", err.Error()).Error("could not write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
