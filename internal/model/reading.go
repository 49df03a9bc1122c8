package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrEmptyPayload = errors.New("empty payload")

// SensorReading is one snapshot reported by the controller. Sensors and Readings are
// parallel: Readings[i] is the value of Sensors[i] at Timestamp.
type SensorReading struct {
	Area      string    `json:"area,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Sensors   []string  `json:"sensors"`
	Readings  []float64 `json:"readings"`
}

// The controller firmware names the arrays tags/values; older clients used sensors/readings.
type wireReading struct {
	Area      string    `json:"area"`
	Timestamp *int64    `json:"timestamp"`
	Sensors   []string  `json:"sensors"`
	Tags      []string  `json:"tags"`
	Readings  []float64 `json:"readings"`
	Values    []float64 `json:"values"`
}

// Validate reports a nil slice as a missing field. An empty slice is a valid, empty reading.
func (r *SensorReading) Validate() error {
	if r.Sensors == nil {
		return fmt.Errorf("%w: %q", ErrMissingField, "sensors")
	}
	if r.Readings == nil {
		return fmt.Errorf("%w: %q", ErrMissingField, "readings")
	}
	if len(r.Sensors) != len(r.Readings) {
		return fmt.Errorf("%w: %d sensors, %d readings", ErrLengthMismatch, len(r.Sensors), len(r.Readings))
	}
	return nil
}

func (r *SensorReading) Len() int {
	return len(r.Sensors)
}

// ByTag indexes readings by sensor tag. Later duplicates win.
func (r *SensorReading) ByTag() map[string]float64 {
	out := make(map[string]float64, len(r.Sensors))
	for i, tag := range r.Sensors {
		if i < len(r.Readings) {
			out[tag] = r.Readings[i]
		}
	}
	return out
}

func DecodeReading(data []byte) (*SensorReading, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	var w wireReading
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sensor reading: %w", err)
	}
	if w.Timestamp == nil {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, "timestamp")
	}

	r := &SensorReading{
		Area:      w.Area,
		Timestamp: *w.Timestamp,
		Sensors:   w.Sensors,
		Readings:  w.Readings,
	}
	if r.Sensors == nil {
		r.Sensors = w.Tags
	}
	if r.Readings == nil {
		r.Readings = w.Values
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
