package engine

import (
	"errors"
	"fmt"
	"math"
	"time"

	"rfwatch/cluster"
	"rfwatch/drone"
	"rfwatch/filter"
	"rfwatch/grid"
	"rfwatch/interpolate"
	"rfwatch/pattern"
)

const (
	DefaultTickRateHz = 10.0
	DefaultWindow     = 5 * time.Minute
	DefaultMaxSignals = 50_000
	DefaultWorkers    = 2
)

// ErrInvalidConfig is reported when a field had to be reset to its default.
var ErrInvalidConfig = errors.New("invalid engine config")

// Config wires the processing stages together. Nested sections are handed to
// the corresponding component unchanged.
type Config struct {
	TickRateHz float64       `json:"tickRateHz" yaml:"tick_rate_hz"`
	Window     time.Duration `json:"window" yaml:"window"`
	MaxSignals int           `json:"maxSignals" yaml:"max_signals"`
	Workers    int           `json:"workers" yaml:"workers"`

	GridSizeMeters float64 `json:"gridSizeMeters" yaml:"grid_size_meters"`
	HexGrid        bool    `json:"hexGrid" yaml:"hex_grid"`

	ClusterRadiusMeters float64 `json:"clusterRadiusMeters" yaml:"cluster_radius_meters"`
	MinClusterSize      int     `json:"minClusterSize" yaml:"min_cluster_size"`

	InterpolationMethod interpolate.Method `json:"interpolationMethod" yaml:"interpolation_method"`
	Interpolation       interpolate.Config `json:"interpolation" yaml:"interpolation"`

	Filter  filter.Options `json:"filter" yaml:"filter"`
	Drone   drone.Config   `json:"drone" yaml:"drone"`
	Pattern pattern.Config `json:"pattern" yaml:"pattern"`
}

func DefaultConfig() Config {
	return Config{
		TickRateHz:          DefaultTickRateHz,
		Window:              DefaultWindow,
		MaxSignals:          DefaultMaxSignals,
		Workers:             DefaultWorkers,
		GridSizeMeters:      grid.DefaultCellSizeMeters,
		ClusterRadiusMeters: cluster.DefaultRadiusMeters,
		MinClusterSize:      cluster.DefaultMinClusterSize,
		InterpolationMethod: interpolate.MethodIDW,
		Interpolation:       interpolate.DefaultConfig(),
		Filter:              filter.DefaultOptions(),
		Drone:               drone.DefaultConfig(),
		Pattern:             pattern.DefaultConfig(),
	}
}

// Normalize replaces invalid fields with defaults, including those of the
// nested component sections. The returned error lists every reset.
func (c Config) Normalize() (Config, error) {
	d := DefaultConfig()
	var errs []error
	reset := func(field string, value any) {
		errs = append(errs, fmt.Errorf("%w: %s=%v", ErrInvalidConfig, field, value))
	}

	if !(c.TickRateHz > 0) || math.IsInf(c.TickRateHz, 0) {
		reset("tickRateHz", c.TickRateHz)
		c.TickRateHz = d.TickRateHz
	}
	if c.Window <= 0 {
		reset("window", c.Window)
		c.Window = d.Window
	}
	if c.MaxSignals <= 0 {
		reset("maxSignals", c.MaxSignals)
		c.MaxSignals = d.MaxSignals
	}
	if c.Workers <= 0 {
		reset("workers", c.Workers)
		c.Workers = d.Workers
	}
	if !(c.GridSizeMeters > 0) || math.IsInf(c.GridSizeMeters, 0) {
		reset("gridSizeMeters", c.GridSizeMeters)
		c.GridSizeMeters = d.GridSizeMeters
	}
	if !(c.ClusterRadiusMeters > 0) || math.IsInf(c.ClusterRadiusMeters, 0) {
		reset("clusterRadiusMeters", c.ClusterRadiusMeters)
		c.ClusterRadiusMeters = d.ClusterRadiusMeters
	}
	if c.MinClusterSize < 1 {
		reset("minClusterSize", c.MinClusterSize)
		c.MinClusterSize = d.MinClusterSize
	}
	switch c.InterpolationMethod {
	case interpolate.MethodIDW, interpolate.MethodBilinear, interpolate.MethodKriging:
	default:
		reset("interpolationMethod", c.InterpolationMethod)
		c.InterpolationMethod = d.InterpolationMethod
	}
	c.Interpolation = c.Interpolation.Normalize()

	var err error
	if c.Filter, err = c.Filter.Normalize(); err != nil {
		errs = append(errs, err)
	}
	if c.Drone, err = c.Drone.Normalize(); err != nil {
		errs = append(errs, err)
	}
	if c.Pattern, err = c.Pattern.Normalize(); err != nil {
		errs = append(errs, err)
	}
	return c, errors.Join(errs...)
}
