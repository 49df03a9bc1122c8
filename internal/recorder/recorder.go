package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/speedwagon-io/garden/internal/fault"
	"github.com/speedwagon-io/garden/internal/model"
)

type Recorder interface {
	// Record stores every (tag, value) pair of reading and reports how many rows were written.
	// Either all pairs are stored or none are.
	Record(ctx context.Context, reading *model.SensorReading) (int, error)
	Journal(ctx context.Context, entry *model.ExchangeRecord) error
	Health(ctx context.Context) error
	Close() error
}

// LogRecorder logs readings instead of storing them (for -dry-run)
type LogRecorder struct {
	log *slog.Logger
}

func NewLogRecorder(log *slog.Logger) *LogRecorder {
	return &LogRecorder{log: log}
}

func (r *LogRecorder) Record(ctx context.Context, reading *model.SensorReading) (int, error) {
	if err := reading.Validate(); err != nil {
		return 0, fault.PersistenceError("validate reading", err)
	}

	data, err := json.Marshal(reading)
	if err != nil {
		return 0, fault.PersistenceError("marshal reading", fmt.Errorf("failed to marshal reading: %w", err))
	}

	r.log.Info("RECORD",
		slog.Int64("timestamp", reading.Timestamp),
		slog.Int("readings_count", reading.Len()),
		slog.String("payload", string(data)),
	)

	return reading.Len(), nil
}

func (r *LogRecorder) Journal(ctx context.Context, entry *model.ExchangeRecord) error {
	r.log.Debug("JOURNAL",
		slog.String("id", entry.ID),
		slog.String("mode", entry.Mode),
		slog.String("status", string(entry.Status)),
		slog.Duration("duration", entry.Duration),
	)
	return nil
}

func (r *LogRecorder) Health(ctx context.Context) error {
	return nil
}

func (r *LogRecorder) Close() error {
	return nil
}
