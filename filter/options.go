package filter

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// AggregationMethod selects how a spatial cell's representative power is computed.
type AggregationMethod string

const (
	AggregateMax      AggregationMethod = "max"
	AggregateAvg      AggregationMethod = "avg"
	AggregateWeighted AggregationMethod = "weighted"
	AggregateDensity  AggregationMethod = "density"
)

// PriorityMode selects the mode-specific term of the ranking score.
type PriorityMode string

const (
	PriorityStrongest  PriorityMode = "strongest"
	PriorityNewest     PriorityMode = "newest"
	PriorityPersistent PriorityMode = "persistent"
	PriorityAnomalous  PriorityMode = "anomalous"
)

const (
	DefaultMinPower          = -100.0
	DefaultMaxPower          = 0.0
	DefaultTimeWindow        = 60 * time.Second
	DefaultGridSize          = 50.0
	DefaultMaxSignalsPerArea = 10
	DefaultMaxTotalSignals   = 1000
	DefaultMaxTrackedIDs     = 10000

	// MovingSpeedThreshold is the speed below which a signal counts as stationary.
	MovingSpeedThreshold = 0.5
)

// ErrInvalidOptions is reported (and logged) when a field had to be reset.
var ErrInvalidOptions = errors.New("invalid filtering options")

// Options configures one FilterSignals pass.
type Options struct {
	MinPower float64 `json:"minPower" yaml:"min_power"`
	MaxPower float64 `json:"maxPower" yaml:"max_power"`

	// IncludeBands restricts output to these bands; UseDronePreset appends DroneBands.
	IncludeBands   []Band `json:"includeBands,omitempty" yaml:"include_bands"`
	UseDronePreset bool   `json:"useDronePreset" yaml:"use_drone_preset"`
	// ExcludeBands are dropped before inclusion is checked.
	ExcludeBands          []Band `json:"excludeBands,omitempty" yaml:"exclude_bands"`
	UseInterferencePreset bool   `json:"useInterferencePreset" yaml:"use_interference_preset"`

	TimeWindow        time.Duration `json:"timeWindow" yaml:"time_window"`
	MovingSignalsOnly bool          `json:"movingSignalsOnly" yaml:"moving_signals_only"`
	MinDuration       time.Duration `json:"minDuration" yaml:"min_duration"`

	GridSize          float64           `json:"gridSize" yaml:"grid_size"`
	Aggregation       AggregationMethod `json:"aggregation" yaml:"aggregation"`
	MaxSignalsPerArea int               `json:"maxSignalsPerArea" yaml:"max_signals_per_area"`

	Priority        PriorityMode `json:"priority" yaml:"priority"`
	MaxTotalSignals int          `json:"maxTotalSignals" yaml:"max_total_signals"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MinPower:          DefaultMinPower,
		MaxPower:          DefaultMaxPower,
		TimeWindow:        DefaultTimeWindow,
		GridSize:          DefaultGridSize,
		Aggregation:       AggregateMax,
		MaxSignalsPerArea: DefaultMaxSignalsPerArea,
		Priority:          PriorityStrongest,
		MaxTotalSignals:   DefaultMaxTotalSignals,
	}
}

// DroneOptions is DefaultOptions with the drone and interference presets enabled.
func DroneOptions() Options {
	o := DefaultOptions()
	o.UseDronePreset = true
	o.UseInterferencePreset = true
	return o
}

// Normalize replaces malformed fields with defaults. The returned error lists
// every field that was reset; the options are usable either way.
func (o Options) Normalize() (Options, error) {
	d := DefaultOptions()
	var errs []error
	reset := func(field string, value any) {
		errs = append(errs, fmt.Errorf("%w: %s=%v", ErrInvalidOptions, field, value))
	}

	if math.IsNaN(o.MinPower) || math.IsNaN(o.MaxPower) || o.MinPower > o.MaxPower {
		reset("power range", fmt.Sprintf("[%v,%v]", o.MinPower, o.MaxPower))
		o.MinPower, o.MaxPower = d.MinPower, d.MaxPower
	}
	if o.TimeWindow <= 0 {
		reset("timeWindow", o.TimeWindow)
		o.TimeWindow = d.TimeWindow
	}
	if o.MinDuration < 0 {
		reset("minDuration", o.MinDuration)
		o.MinDuration = 0
	}
	if !(o.GridSize > 0) || math.IsInf(o.GridSize, 0) {
		reset("gridSize", o.GridSize)
		o.GridSize = d.GridSize
	}
	switch o.Aggregation {
	case AggregateMax, AggregateAvg, AggregateWeighted, AggregateDensity:
	default:
		reset("aggregation", o.Aggregation)
		o.Aggregation = d.Aggregation
	}
	if o.MaxSignalsPerArea <= 0 {
		reset("maxSignalsPerArea", o.MaxSignalsPerArea)
		o.MaxSignalsPerArea = d.MaxSignalsPerArea
	}
	switch o.Priority {
	case PriorityStrongest, PriorityNewest, PriorityPersistent, PriorityAnomalous:
	default:
		reset("priority", o.Priority)
		o.Priority = d.Priority
	}
	if o.MaxTotalSignals <= 0 {
		reset("maxTotalSignals", o.MaxTotalSignals)
		o.MaxTotalSignals = d.MaxTotalSignals
	}
	return o, errors.Join(errs...)
}

func (o Options) includeList() []Band {
	bands := append([]Band(nil), o.IncludeBands...)
	if o.UseDronePreset {
		bands = append(bands, DroneBands...)
	}
	return bands
}

func (o Options) excludeList() []Band {
	bands := append([]Band(nil), o.ExcludeBands...)
	if o.UseInterferencePreset {
		bands = append(bands, InterferenceBands...)
	}
	return bands
}
