package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/garden/internal/config"
	"github.com/speedwagon-io/garden/internal/connector"
	"github.com/speedwagon-io/garden/internal/fault"
	"github.com/speedwagon-io/garden/internal/lib/logger/sl"
	"github.com/speedwagon-io/garden/internal/metrics"
	"github.com/speedwagon-io/garden/internal/model"
	"github.com/speedwagon-io/garden/internal/planner"
	"github.com/speedwagon-io/garden/internal/recorder"
)

type reply struct {
	data []byte
	err  error
}

type fakeExchanger struct {
	mu       sync.Mutex
	replies  []reply
	payloads [][]byte
}

func (f *fakeExchanger) Address() string { return "fake:7777" }

func (f *fakeExchanger) Exchange(ctx context.Context, payload []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	if len(f.replies) == 0 {
		return nil, fault.ConnectionError("dial", syscall.ECONNREFUSED)
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.data, r.err
}

func (f *fakeExchanger) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads
}

type fakeRecorder struct {
	mu        sync.Mutex
	readings  []*model.SensorReading
	journal   []*model.ExchangeRecord
	recordErr error
}

func (f *fakeRecorder) Record(ctx context.Context, r *model.SensorReading) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return 0, fault.PersistenceError("insert", f.recordErr)
	}
	if err := r.Validate(); err != nil {
		return 0, fault.PersistenceError("validate reading", err)
	}
	f.readings = append(f.readings, r)
	return r.Len(), nil
}

func (f *fakeRecorder) Journal(ctx context.Context, e *model.ExchangeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.journal = append(f.journal, e)
	return nil
}

func (f *fakeRecorder) Health(ctx context.Context) error { return nil }
func (f *fakeRecorder) Close() error                     { return nil }

func (f *fakeRecorder) journalLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.journal)
}

func testConfig(mode string) *config.Config {
	return &config.Config{
		Mode: mode,
		Planner: config.PlannerConfig{
			Units:           "litres",
			OptimalMoisture: 35,
			MaxVolume:       3,
			Rows:            config.DefaultRows(),
		},
		Polling: config.PollingConfig{Interval: 10 * time.Millisecond},
		Breaker: config.BreakerConfig{MaxFailures: 2, OpenFor: time.Hour},
	}
}

func newManager(cfg *config.Config, conn connector.Exchanger, rec recorder.Recorder) (*Manager, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	return NewManager(sl.Discard(), cfg, conn, planner.New(&cfg.Planner), rec, m), m
}

const moisture = `{"area":"greenhouse","timestamp":1000,"tags":["row_1","row_2","row_3"],"values":[13,35,28]}`

func TestRunOnceQuery(t *testing.T) {
	conn := &fakeExchanger{replies: []reply{{data: []byte(`{"timestamp":1000,"sensors":["row_1","row_2"],"readings":[12.5,8.0]}`)}}}
	rec := &fakeRecorder{}
	mgr, m := newManager(testConfig(config.ModeQuery), conn, rec)

	res, err := mgr.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, conn.sent(), 1)
	assert.Equal(t, "data_query", string(conn.sent()[0]))

	require.Len(t, rec.readings, 1)
	assert.Equal(t, []string{"row_1", "row_2"}, rec.readings[0].Sensors)
	assert.Equal(t, []float64{12.5, 8.0}, rec.readings[0].Readings)

	assert.Equal(t, model.ExchangeOK, res.Record.Status)
	assert.Equal(t, 2, res.Record.Readings)
	assert.Equal(t, 10, res.Record.BytesSent)
	assert.Nil(t, res.Task)

	require.Len(t, rec.journal, 1)
	assert.Equal(t, res.Record.ID, rec.journal[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exchanges.WithLabelValues("query", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReadingsRecorded))
}

func TestRunOnceEmptyReplyIsNotAnError(t *testing.T) {
	conn := &fakeExchanger{replies: []reply{{data: nil}}}
	rec := &fakeRecorder{}
	mgr, _ := newManager(testConfig(config.ModeQuery), conn, rec)

	res, err := mgr.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ExchangeEmpty, res.Record.Status)
	assert.Empty(t, rec.readings)
}

func TestRunOnceTasksWithoutReading(t *testing.T) {
	conn := &fakeExchanger{replies: []reply{{data: nil}}}
	cfg := testConfig(config.ModeTasks)
	cfg.Planner.Rows[0].Volume = 2
	mgr, m := newManager(cfg, conn, &fakeRecorder{})

	res, err := mgr.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, conn.sent(), 1)
	task, err := model.DecodeTasks(conn.sent()[0])
	require.NoError(t, err)
	assert.Equal(t, 3, task.Metadata.TaskCount)
	assert.Equal(t, []float64{2, 0, 0}, task.Values.Volumes)
	assert.Equal(t, res.Task.Values, task.Values)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TasksSent))
}

func TestRunOnceCycle(t *testing.T) {
	conn := &fakeExchanger{replies: []reply{{data: []byte(moisture)}, {data: nil}}}
	rec := &fakeRecorder{}
	mgr, _ := newManager(testConfig(config.ModeCycle), conn, rec)

	res, err := mgr.RunOnce(context.Background())
	require.NoError(t, err)

	sent := conn.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "data_query", string(sent[0]))

	task, err := model.DecodeTasks(sent[1])
	require.NoError(t, err)
	assert.Equal(t, []string{"row_1", "row_2", "row_3"}, task.Values.Tags)
	assert.Equal(t, []float64{1.89, 0, 0.6}, task.Values.Volumes)

	require.Len(t, rec.readings, 1)
	assert.Equal(t, "greenhouse", rec.readings[0].Area)
	assert.Equal(t, 3, res.Record.Readings)
	assert.Equal(t, 10+len(sent[1]), res.Record.BytesSent)
	require.Len(t, rec.journal, 1, "one journal entry per cycle")
}

func TestRunOnceConnectionFailure(t *testing.T) {
	conn := &fakeExchanger{}
	rec := &fakeRecorder{}
	mgr, m := newManager(testConfig(config.ModeCycle), conn, rec)

	res, err := mgr.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrConnection)
	assert.Len(t, conn.sent(), 1, "no tasks after a failed query")
	assert.Equal(t, model.ExchangeFailed, res.Record.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Exchanges.WithLabelValues("cycle", "connection")))
	require.Len(t, rec.journal, 1)

	assert.Error(t, mgr.Check(context.Background()))
}

func TestRunOnceProtocolErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"not json", "hello", nil},
		{"missing sensors", `{"timestamp":1000,"readings":[12.5,8.0]}`, model.ErrMissingField},
		{"mismatched arrays", `{"timestamp":1000,"sensors":["a"],"readings":[1,2]}`, model.ErrLengthMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeExchanger{replies: []reply{{data: []byte(tt.payload)}}}
			rec := &fakeRecorder{}
			mgr, _ := newManager(testConfig(config.ModeCycle), conn, rec)

			_, err := mgr.RunOnce(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, fault.ErrProtocol)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Empty(t, rec.readings)
			assert.Len(t, conn.sent(), 1)
		})
	}
}

func TestRunOnceCycleWatersEvenIfStoreFails(t *testing.T) {
	conn := &fakeExchanger{replies: []reply{{data: []byte(moisture)}, {data: nil}}}
	rec := &fakeRecorder{recordErr: errors.New("disk full")}
	mgr, _ := newManager(testConfig(config.ModeCycle), conn, rec)

	res, err := mgr.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrPersistence)
	assert.Len(t, conn.sent(), 2)
	assert.NotNil(t, res.Task)
}

func TestStartTripsBreaker(t *testing.T) {
	conn := &fakeExchanger{}
	rec := &fakeRecorder{}
	mgr, m := newManager(testConfig(config.ModeQuery), conn, rec)
	assert.Equal(t, "closed", mgr.BreakerState())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BreakerOpen) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// give the loop a few more ticks; an open breaker must not dial
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	mgr.Stop()

	assert.Len(t, conn.sent(), 2)
	assert.Equal(t, 2, rec.journalLen())
	assert.ErrorContains(t, mgr.Check(context.Background()), "breaker open")
	assert.Equal(t, "open", mgr.BreakerState())
}

func TestStartStop(t *testing.T) {
	conn := &fakeExchanger{replies: []reply{{data: nil}}}
	mgr, _ := newManager(testConfig(config.ModeQuery), conn, &fakeRecorder{})

	done := make(chan struct{})
	go func() {
		mgr.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return len(conn.sent()) >= 1 }, time.Second, 5*time.Millisecond)
	mgr.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestStartWithNonPositiveInterval(t *testing.T) {
	for _, interval := range []time.Duration{0, -time.Second} {
		cfg := testConfig(config.ModeQuery)
		cfg.Polling.Interval = interval
		mgr, _ := newManager(cfg, &fakeExchanger{}, &fakeRecorder{})
		assert.Equal(t, defaultInterval, mgr.interval)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.NotPanics(t, func() { mgr.Start(ctx) }, interval.String())
		mgr.Stop()
	}
}

// TestCycleOverTCP runs a full cycle against a stub controller and a real SQLite store.
func TestCycleOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 2)
	go func() {
		// first connection: the query marker, answered with readings
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		marker := make([]byte, len(connector.QueryMarker))
		io.ReadFull(conn, marker)
		received <- marker
		conn.Write([]byte(moisture))
		conn.Close()

		// second connection: one task document, no answer
		conn, err = ln.Accept()
		if err != nil {
			return
		}
		var doc json.RawMessage
		json.NewDecoder(conn).Decode(&doc)
		received <- doc
		conn.Close()
	}()

	cfg := testConfig(config.ModeCycle)
	cfg.Controller = config.ControllerConfig{
		Address:     ln.Addr().String(),
		DialTimeout: time.Second,
		IOTimeout:   5 * time.Second,
		ChunkSize:   connector.DefaultChunkSize,
		Retry:       config.RetryConfig{MaxAttempts: 1},
	}
	cfg.Store = config.StoreConfig{Path: filepath.Join(t.TempDir(), "garden_data.db"), Table: "tbl_analog"}

	rec, err := recorder.NewSQLiteRecorder(sl.Discard(), &cfg.Store)
	require.NoError(t, err)
	defer rec.Close()

	mgr, _ := newManager(cfg, connector.New(sl.Discard(), &cfg.Controller), rec)

	res, err := mgr.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Record.Readings)

	assert.Equal(t, "data_query", string(<-received))
	task, err := model.DecodeTasks(<-received)
	require.NoError(t, err)
	assert.Equal(t, 3, task.Metadata.TaskCount)

	count, err := rec.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	entries, err := rec.Recent(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ExchangeOK, entries[0].Status)
}
