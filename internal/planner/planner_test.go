package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedwagon-io/garden/internal/config"
	"github.com/speedwagon-io/garden/internal/model"
)

func newPlanner(rows []config.RowConfig) *Planner {
	return New(&config.PlannerConfig{
		Units:           "litres",
		OptimalMoisture: 35,
		MaxVolume:       3,
		Rows:            rows,
	})
}

func TestVolume(t *testing.T) {
	p := newPlanner(nil)

	tests := []struct {
		name     string
		moisture float64
		want     float64
	}{
		{"bone dry", 0, 3},
		{"below zero clamps", -5, 3},
		{"half way", 17.5, 1.5},
		{"slightly dry", 28, 0.6},
		{"at optimum", 35, 0},
		{"wet", 60, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, p.Volume(tt.moisture), 1e-9)
		})
	}
}

func TestBuildFromReading(t *testing.T) {
	p := newPlanner(config.DefaultRows())

	reading := &model.SensorReading{
		Timestamp: 1000,
		Sensors:   []string{"row_1", "row_2", "row_3"},
		Readings:  []float64{13, 35, 28},
	}

	task, err := p.Build(reading)
	require.NoError(t, err)

	assert.Equal(t, model.TaskDocumentName, task.Metadata.Name)
	assert.Equal(t, 3, task.Metadata.TaskCount)
	assert.Equal(t, "litres", task.Metadata.Units)
	assert.Equal(t, []string{"row_1", "row_2", "row_3"}, task.Values.Tags)
	assert.Equal(t, []int{6, 7, 8}, task.Values.Pins)
	assert.Equal(t, []float64{1.89, 0, 0.6}, task.Values.Volumes)
}

func TestBuildWithoutReadingUsesFixedVolumes(t *testing.T) {
	p := newPlanner([]config.RowConfig{
		{Tag: "row_1", Volume: 2000},
		{Tag: "row_2", Volume: 1000},
		{Tag: "row_3"},
	})

	task, err := p.Build(nil)
	require.NoError(t, err)

	assert.Equal(t, 3, task.Metadata.TaskCount)
	assert.Nil(t, task.Values.Pins)
	assert.Equal(t, []float64{2000, 1000, 0}, task.Values.Volumes)
}

func TestBuildPartialReading(t *testing.T) {
	p := newPlanner([]config.RowConfig{
		{Tag: "row_1", Volume: 1},
		{Tag: "row_2", Volume: 1},
	})

	task, err := p.Build(&model.SensorReading{
		Sensors:  []string{"row_2", "air_temp"},
		Readings: []float64{0, 21},
	})
	require.NoError(t, err)

	assert.Equal(t, []float64{1, 3}, task.Values.Volumes)
}

func TestBuildEncodes(t *testing.T) {
	task, err := newPlanner(config.DefaultRows()).Build(nil)
	require.NoError(t, err)

	data, err := model.EncodeTasks(task)
	require.NoError(t, err)
	assert.Equal(t,
		`[{"name":"watering_tasks","task_count":3,"units":"litres","version":1},{"tags":["row_1","row_2","row_3"],"pins":[6,7,8],"volumes":[0,0,0]}]`,
		string(data))
}
