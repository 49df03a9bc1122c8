package config

import (
	"errors"
	"fmt"
)

type PlannerConfig struct {
	Units           string      `yaml:"units" env-default:"litres"`
	OptimalMoisture float64     `yaml:"optimal_moisture" env-default:"35"`
	MaxVolume       float64     `yaml:"max_volume" env-default:"3"`
	Rows            []RowConfig `yaml:"rows"`
}

// RowConfig describes one valve. Pin is optional; a nil Pin leaves pins out of the payload.
type RowConfig struct {
	Tag    string  `yaml:"tag"`
	Pin    *int    `yaml:"pin,omitempty"`
	Volume float64 `yaml:"volume,omitempty"`
}

// DefaultRows is the three-valve layout of the greenhouse controller.
func DefaultRows() []RowConfig {
	pin := func(p int) *int { return &p }
	return []RowConfig{
		{Tag: "row_1", Pin: pin(6)},
		{Tag: "row_2", Pin: pin(7)},
		{Tag: "row_3", Pin: pin(8)},
	}
}

func (p *PlannerConfig) Validate() error {
	if p.OptimalMoisture <= 0 {
		return errors.New("planner optimal_moisture must be positive")
	}
	if p.MaxVolume < 0 {
		return errors.New("planner max_volume must not be negative")
	}

	seen := make(map[string]struct{}, len(p.Rows))
	withPin := 0
	for i, row := range p.Rows {
		if row.Tag == "" {
			return fmt.Errorf("planner row %d: tag is required", i)
		}
		if _, dup := seen[row.Tag]; dup {
			return fmt.Errorf("planner row %d: duplicate tag %q", i, row.Tag)
		}
		seen[row.Tag] = struct{}{}
		if row.Volume < 0 {
			return fmt.Errorf("planner row %q: volume must not be negative", row.Tag)
		}
		if row.Pin != nil {
			withPin++
		}
	}

	if withPin != 0 && withPin != len(p.Rows) {
		return errors.New("planner rows: either every row has a pin or none does")
	}

	return nil
}
