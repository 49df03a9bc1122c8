package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speedwagon-io/garden/internal/lib/logger/sl"
	"github.com/speedwagon-io/garden/internal/model"
)

type Status string

// DefaultJournalWindow is how many consecutive failed exchanges mark the journal degraded.
const DefaultJournalWindow = 3

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status     Status            `json:"status"`
	Components []ComponentHealth `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

type HealthChecker interface {
	Name() string
	Check(ctx context.Context) (Status, string)
}

type Server struct {
	log      *slog.Logger
	address  string
	gatherer prometheus.Gatherer
	server   *http.Server
	checkers []HealthChecker
	mu       sync.RWMutex
}

func NewServer(log *slog.Logger, address string, gatherer prometheus.Gatherer) *Server {
	return &Server{
		log:      log,
		address:  address,
		gatherer: gatherer,
		checkers: make([]HealthChecker, 0),
	}
}

func (s *Server) AddChecker(checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers = append(s.checkers, checker)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/live", s.handleLive)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("starting health server", slog.String("address", s.address))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("health server error", sl.Err(err))
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checkers := make([]HealthChecker, len(s.checkers))
	copy(checkers, s.checkers)
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:     StatusHealthy,
		Components: make([]ComponentHealth, 0, len(checkers)),
		Timestamp:  time.Now().UTC(),
	}

	for _, checker := range checkers {
		status, message := checker.Check(ctx)
		response.Components = append(response.Components, ComponentHealth{
			Name:    checker.Name(),
			Status:  status,
			Message: message,
		})
		response.Status = worse(response.Status, status)
	}

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.log.Warn("failed to write health response", sl.Err(err))
	}
}

// worse picks the more severe of two statuses; unknown values count as unhealthy.
func worse(a, b Status) Status {
	return bySeverity[max(severity(a), severity(b))]
}

var bySeverity = [...]Status{StatusHealthy, StatusDegraded, StatusUnhealthy}

func severity(s Status) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ControllerHealthChecker reports a failing controller as degraded: readings are late, not lost.
type ControllerHealthChecker struct {
	checkFunc func(ctx context.Context) error
	stateFunc func() string
}

// NewControllerHealthChecker builds the controller component. stateFunc, when set,
// names the breaker state in the message.
func NewControllerHealthChecker(checkFunc func(ctx context.Context) error, stateFunc func() string) *ControllerHealthChecker {
	return &ControllerHealthChecker{checkFunc: checkFunc, stateFunc: stateFunc}
}

func (c *ControllerHealthChecker) Name() string {
	return "controller"
}

func (c *ControllerHealthChecker) Check(ctx context.Context) (Status, string) {
	err := c.checkFunc(ctx)

	var state string
	if c.stateFunc != nil {
		state = "breaker " + c.stateFunc()
	}

	switch {
	case err != nil && state != "":
		return StatusDegraded, state + ": " + err.Error()
	case err != nil:
		return StatusDegraded, err.Error()
	default:
		return StatusHealthy, state
	}
}

// StoreHealthChecker fails hard: without the store, readings are dropped.
type StoreHealthChecker struct {
	healthFunc func(ctx context.Context) error
	countFunc  func(ctx context.Context) (int64, error)
}

// NewStoreHealthChecker builds the store component. countFunc is optional; the
// log-only recorder has nothing to count.
func NewStoreHealthChecker(healthFunc func(ctx context.Context) error, countFunc func(ctx context.Context) (int64, error)) *StoreHealthChecker {
	return &StoreHealthChecker{healthFunc: healthFunc, countFunc: countFunc}
}

func (c *StoreHealthChecker) Name() string {
	return "store"
}

func (c *StoreHealthChecker) Check(ctx context.Context) (Status, string) {
	if err := c.healthFunc(ctx); err != nil {
		return StatusUnhealthy, err.Error()
	}
	if c.countFunc == nil {
		return StatusHealthy, ""
	}

	count, err := c.countFunc(ctx)
	if err != nil {
		return StatusUnhealthy, fmt.Sprintf("failed to count readings: %v", err)
	}
	return StatusHealthy, fmt.Sprintf("%d readings stored", count)
}

// JournalHealthChecker looks at the newest journal entries. When every one of
// them failed the client is running but not collecting anything.
type JournalHealthChecker struct {
	recentFunc func(ctx context.Context, limit int) ([]*model.ExchangeRecord, error)
	window     int
}

func NewJournalHealthChecker(recentFunc func(ctx context.Context, limit int) ([]*model.ExchangeRecord, error), window int) *JournalHealthChecker {
	if window <= 0 {
		window = DefaultJournalWindow
	}
	return &JournalHealthChecker{recentFunc: recentFunc, window: window}
}

func (c *JournalHealthChecker) Name() string {
	return "journal"
}

func (c *JournalHealthChecker) Check(ctx context.Context) (Status, string) {
	entries, err := c.recentFunc(ctx, c.window)
	if err != nil {
		return StatusUnhealthy, fmt.Sprintf("failed to read journal: %v", err)
	}
	if len(entries) == 0 {
		return StatusHealthy, "no exchanges yet"
	}

	latest := entries[0]
	if len(entries) < c.window {
		return StatusHealthy, lastExchange(latest)
	}
	for _, e := range entries {
		if e.Status != model.ExchangeFailed {
			return StatusHealthy, lastExchange(latest)
		}
	}

	return StatusDegraded, fmt.Sprintf("last %d exchanges failed, latest: %s", len(entries), latest.Error)
}

func lastExchange(e *model.ExchangeRecord) string {
	return fmt.Sprintf("last exchange %s at %s", e.Status, e.StartedAt.Format(time.RFC3339))
}
