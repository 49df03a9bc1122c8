// Package exchange drives conversations with the garden controller: ask for readings,
// record them, and hand back watering tasks.
package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/speedwagon-io/garden/internal/config"
	"github.com/speedwagon-io/garden/internal/connector"
	"github.com/speedwagon-io/garden/internal/fault"
	"github.com/speedwagon-io/garden/internal/lib/logger/sl"
	"github.com/speedwagon-io/garden/internal/metrics"
	"github.com/speedwagon-io/garden/internal/model"
	"github.com/speedwagon-io/garden/internal/planner"
	"github.com/speedwagon-io/garden/internal/recorder"
)

const (
	cleanupInterval = time.Hour
	defaultInterval = 5 * time.Minute
)

// Result describes one RunOnce. Reading is the last reading the controller sent, Task the
// document delivered to it; either may be nil.
type Result struct {
	Record  *model.ExchangeRecord
	Reading *model.SensorReading
	Task    *model.WateringTask
}

// Cleaner is implemented by recorders that keep a prunable journal.
type Cleaner interface {
	Cleanup(ctx context.Context, maxAge time.Duration) error
}

type Manager struct {
	log       *slog.Logger
	mode      string
	conn      connector.Exchanger
	planner   *planner.Planner
	recorder  recorder.Recorder
	metrics   *metrics.Metrics
	breaker   *gobreaker.CircuitBreaker
	interval  time.Duration
	retention time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.RWMutex
	lastAt  time.Time
	lastErr error
}

func NewManager(
	log *slog.Logger,
	cfg *config.Config,
	conn connector.Exchanger,
	planner *planner.Planner,
	recorder recorder.Recorder,
	metrics *metrics.Metrics,
) *Manager {
	interval := cfg.Polling.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	m := &Manager{
		log:       log,
		mode:      cfg.Mode,
		conn:      conn,
		planner:   planner,
		recorder:  recorder,
		metrics:   metrics,
		interval:  interval,
		retention: cfg.Store.Retention,
		stopCh:    make(chan struct{}),
	}

	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 1
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "controller",
		MaxRequests: 1,
		Timeout:     cfg.Breaker.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// only an unreachable controller counts against the breaker
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, fault.ErrConnection)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if to == gobreaker.StateOpen {
				metrics.BreakerOpen.Set(1)
			} else {
				metrics.BreakerOpen.Set(0)
			}
		},
	})

	return m
}

// RunOnce performs one exchange in the configured mode and journals it. The returned error,
// if any, is a *fault.Error.
func (m *Manager) RunOnce(ctx context.Context) (*Result, error) {
	entry := model.NewExchangeRecord(m.mode, m.conn.Address())
	res := &Result{Record: entry}

	timer := prometheus.NewTimer(m.metrics.ExchangeDuration.WithLabelValues(m.mode))

	var err error
	switch m.mode {
	case config.ModeQuery:
		err = m.query(ctx, res)
	case config.ModeTasks:
		err = m.sendTasks(ctx, res, nil)
	case config.ModeCycle:
		err = m.query(ctx, res)
		// readings that decoded fine still drive watering even if storing them failed
		if err == nil || (fault.KindOf(err) == fault.Persistence && res.Reading != nil) {
			if taskErr := m.sendTasks(ctx, res, res.Reading); err == nil {
				err = taskErr
			} else if taskErr != nil {
				m.log.Error("failed to send watering tasks", sl.Err(taskErr))
			}
		}
	default:
		err = fault.ProtocolError("run", fmt.Errorf("unknown mode %q", m.mode))
	}

	timer.ObserveDuration()
	entry.Finish(err)
	m.metrics.Exchanges.WithLabelValues(m.mode, resultLabel(err)).Inc()

	if jErr := m.recorder.Journal(ctx, entry); jErr != nil {
		m.log.Error("failed to journal exchange", slog.String("id", entry.ID), sl.Err(jErr))
	}

	m.mu.Lock()
	m.lastAt = entry.StartedAt
	m.lastErr = err
	m.mu.Unlock()

	logAttrs := []any{
		slog.String("id", entry.ID),
		slog.String("mode", m.mode),
		slog.String("status", string(entry.Status)),
		slog.Int("bytes_received", entry.BytesReceived),
		slog.Int("readings", entry.Readings),
		slog.Duration("duration", entry.Duration),
	}
	if err != nil {
		m.log.Error("exchange failed", append(logAttrs, slog.String("kind", fault.KindOf(err).String()), sl.Err(err))...)
	} else {
		m.log.Info("exchange completed", logAttrs...)
	}

	return res, err
}

func (m *Manager) query(ctx context.Context, res *Result) error {
	data, err := m.conn.Exchange(ctx, []byte(connector.QueryMarker))
	res.Record.BytesSent += len(connector.QueryMarker)
	if err != nil {
		return err
	}
	return m.handleReply(ctx, res, data)
}

func (m *Manager) sendTasks(ctx context.Context, res *Result, reading *model.SensorReading) error {
	task, err := m.planner.Build(reading)
	if err != nil {
		return fault.ProtocolError("build tasks", err)
	}

	payload, err := model.EncodeTasks(task)
	if err != nil {
		return fault.ProtocolError("encode tasks", err)
	}
	res.Task = task

	m.log.Debug("sending watering tasks",
		slog.Int("task_count", task.Metadata.TaskCount),
		slog.String("payload", string(payload)),
	)

	data, err := m.conn.Exchange(ctx, payload)
	res.Record.BytesSent += len(payload)
	if err != nil {
		return err
	}
	m.metrics.TasksSent.Add(float64(task.Metadata.TaskCount))

	return m.handleReply(ctx, res, data)
}

// handleReply decodes and stores readings. An empty reply means there is nothing to record.
func (m *Manager) handleReply(ctx context.Context, res *Result, data []byte) error {
	res.Record.BytesReceived += len(data)
	m.metrics.BytesReceived.Add(float64(len(data)))

	if len(bytes.TrimSpace(data)) == 0 {
		m.log.Debug("controller sent no readings")
		return nil
	}

	reading, err := model.DecodeReading(data)
	if err != nil {
		return fault.ProtocolError("decode reading", err)
	}
	res.Reading = reading

	n, err := m.recorder.Record(ctx, reading)
	if err != nil {
		return fault.PersistenceError("record readings", err)
	}
	res.Record.Readings += n
	m.metrics.ReadingsRecorded.Add(float64(n))

	return nil
}

// Start polls the controller every interval until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.log.Info("starting exchange manager",
		slog.String("mode", m.mode),
		slog.String("controller", m.conn.Address()),
		slog.Duration("interval", m.interval),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.wg.Add(1)
	go m.cleanupJournal(ctx)

	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("context cancelled, stopping manager")
			return
		case <-m.stopCh:
			m.log.Info("stop signal received, stopping manager")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) tick(ctx context.Context) {
	_, err := m.breaker.Execute(func() (any, error) {
		return m.RunOnce(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		m.log.Warn("controller breaker open, skipping exchange")
	}
}

func (m *Manager) cleanupJournal(ctx context.Context) {
	defer m.wg.Done()

	cleaner, ok := m.recorder.(Cleaner)
	if !ok || m.retention <= 0 {
		return
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		if err := cleaner.Cleanup(ctx, m.retention); err != nil {
			m.log.Error("failed to cleanup exchange journal", sl.Err(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Check reports the controller's state for the health endpoint.
func (m *Manager) Check(ctx context.Context) error {
	if m.breaker.State() == gobreaker.StateOpen {
		return errors.New("controller circuit breaker open")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastErr != nil {
		return fmt.Errorf("last exchange at %s failed: %w", m.lastAt.Format(time.RFC3339), m.lastErr)
	}
	return nil
}

// BreakerState names the controller breaker state: closed, half-open or open.
func (m *Manager) BreakerState() string {
	return m.breaker.State().String()
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return fault.KindOf(err).String()
}
