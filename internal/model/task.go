package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TaskDocumentName  = "watering_tasks"
	DefaultUnits      = "litres"
	TaskSchemaVersion = 1
)

var (
	ErrMissingField   = errors.New("missing field")
	ErrLengthMismatch = errors.New("length mismatch")
	ErrBooleanVolume  = errors.New("volume must be numeric, got boolean")
)

// TaskMetadata is the first element of the task document.
type TaskMetadata struct {
	Name      string `json:"name"`
	TaskCount int    `json:"task_count"`
	Units     string `json:"units"`
	Version   int    `json:"version,omitempty"`
}

// TaskValues is the second element. Index i of every slice describes row i.
type TaskValues struct {
	Tags    []string  `json:"tags"`
	Pins    []int     `json:"pins,omitempty"`
	Volumes []float64 `json:"volumes"`
}

// WateringTask travels as a two-element JSON array: [metadata, values].
type WateringTask struct {
	Metadata TaskMetadata
	Values   TaskValues
}

func NewWateringTask(units string) *WateringTask {
	if units == "" {
		units = DefaultUnits
	}
	return &WateringTask{
		Metadata: TaskMetadata{
			Name:    TaskDocumentName,
			Units:   units,
			Version: TaskSchemaVersion,
		},
	}
}

// Add appends one row and keeps task_count in step. A negative pin means "no pin".
func (t *WateringTask) Add(tag string, pin int, volume float64) {
	t.Values.Tags = append(t.Values.Tags, tag)
	if pin >= 0 {
		t.Values.Pins = append(t.Values.Pins, pin)
	}
	t.Values.Volumes = append(t.Values.Volumes, volume)
	t.Metadata.TaskCount = len(t.Values.Tags)
}

func (t *WateringTask) Validate() error {
	n := t.Metadata.TaskCount
	if n < 0 {
		return fmt.Errorf("task_count must not be negative, got %d", n)
	}
	if len(t.Values.Tags) != n {
		return fmt.Errorf("%w: %d tags for task_count %d", ErrLengthMismatch, len(t.Values.Tags), n)
	}
	if len(t.Values.Volumes) != n {
		return fmt.Errorf("%w: %d volumes for task_count %d", ErrLengthMismatch, len(t.Values.Volumes), n)
	}
	if len(t.Values.Pins) != 0 && len(t.Values.Pins) != n {
		return fmt.Errorf("%w: %d pins for task_count %d", ErrLengthMismatch, len(t.Values.Pins), n)
	}
	for i, v := range t.Values.Volumes {
		if v < 0 {
			return fmt.Errorf("volume for %q must not be negative, got %v", t.Values.Tags[i], v)
		}
	}
	return nil
}

func (t WateringTask) MarshalJSON() ([]byte, error) {
	values := t.Values
	if values.Tags == nil {
		values.Tags = []string{}
	}
	if values.Volumes == nil {
		values.Volumes = []float64{}
	}
	return json.Marshal([2]any{t.Metadata, values})
}

func (t *WateringTask) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("failed to unmarshal task document: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("task document must have 2 parts, got %d", len(parts))
	}

	var meta TaskMetadata
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return fmt.Errorf("failed to unmarshal task metadata: %w", err)
	}

	// volumes are decoded loosely first so a boolean array can be reported by name
	var raw struct {
		Tags    []string `json:"tags"`
		Pins    []int    `json:"pins"`
		Volumes []any    `json:"volumes"`
	}
	if err := json.Unmarshal(parts[1], &raw); err != nil {
		return fmt.Errorf("failed to unmarshal task values: %w", err)
	}
	if raw.Tags == nil {
		return fmt.Errorf("%w: %q", ErrMissingField, "tags")
	}
	if raw.Volumes == nil {
		return fmt.Errorf("%w: %q", ErrMissingField, "volumes")
	}

	volumes := make([]float64, 0, len(raw.Volumes))
	for i, v := range raw.Volumes {
		switch val := v.(type) {
		case float64:
			volumes = append(volumes, val)
		case bool:
			return fmt.Errorf("volumes[%d]: %w", i, ErrBooleanVolume)
		default:
			return fmt.Errorf("volumes[%d]: unexpected type %T", i, v)
		}
	}

	t.Metadata = meta
	t.Values = TaskValues{
		Tags:    raw.Tags,
		Pins:    raw.Pins,
		Volumes: volumes,
	}
	return nil
}

// EncodeTasks validates t and renders the compact wire form.
func EncodeTasks(t *WateringTask) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid watering task: %w", err)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal watering task: %w", err)
	}
	return data, nil
}

func DecodeTasks(data []byte) (*WateringTask, error) {
	var t WateringTask
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid watering task: %w", err)
	}
	return &t, nil
}
