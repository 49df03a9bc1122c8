// Package planner turns soil-moisture readings into watering tasks.
package planner

import (
	"math"

	"github.com/speedwagon-io/garden/internal/config"
	"github.com/speedwagon-io/garden/internal/model"
)

type Planner struct {
	units           string
	optimalMoisture float64
	maxVolume       float64
	rows            []config.RowConfig
}

func New(cfg *config.PlannerConfig) *Planner {
	return &Planner{
		units:           cfg.Units,
		optimalMoisture: cfg.OptimalMoisture,
		maxVolume:       cfg.MaxVolume,
		rows:            cfg.Rows,
	}
}

// Build produces one task per configured row, in config order. Rows the reading covers get a
// volume proportional to their moisture deficit; the rest fall back to their fixed volume.
// A nil reading means every row uses its fixed volume.
func (p *Planner) Build(reading *model.SensorReading) (*model.WateringTask, error) {
	var moisture map[string]float64
	if reading != nil {
		moisture = reading.ByTag()
	}

	task := model.NewWateringTask(p.units)
	for _, row := range p.rows {
		volume := row.Volume
		if m, ok := moisture[row.Tag]; ok {
			volume = p.Volume(m)
		}

		pin := -1
		if row.Pin != nil {
			pin = *row.Pin
		}
		task.Add(row.Tag, pin, volume)
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}
	return task, nil
}

// Volume is max_volume scaled by how far moisture sits below the optimum, in [0, max_volume].
func (p *Planner) Volume(moisture float64) float64 {
	if math.IsNaN(moisture) || moisture >= p.optimalMoisture {
		return 0
	}
	deficit := (p.optimalMoisture - math.Max(moisture, 0)) / p.optimalMoisture
	v := p.maxVolume * deficit
	return math.Round(v*100) / 100
}
