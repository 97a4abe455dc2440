package filter

// Band is a frequency range with a ranking weight and the power range a
// legitimate emitter in it is expected to show.
type Band struct {
	Name           string  `json:"name" yaml:"name"`
	MinMHz         float64 `json:"minMHz" yaml:"min_mhz"`
	MaxMHz         float64 `json:"maxMHz" yaml:"max_mhz"`
	Priority       float64 `json:"priority" yaml:"priority"`
	ExpectedMinDbm float64 `json:"expectedMinDbm" yaml:"expected_min_dbm"`
	ExpectedMaxDbm float64 `json:"expectedMaxDbm" yaml:"expected_max_dbm"`
}

func (b Band) Contains(freqMHz float64) bool {
	return freqMHz >= b.MinMHz && freqMHz <= b.MaxMHz
}

// lowPriorityWeight marks bands whose signals are treated as background.
const lowPriorityWeight = 0.5

// DroneBands lists the control, video and telemetry bands used by small UAS.
var DroneBands = []Band{
	{Name: "2.4GHz", MinMHz: 2400, MaxMHz: 2483.5, Priority: 1.0, ExpectedMinDbm: -95, ExpectedMaxDbm: -20},
	{Name: "5.8GHz", MinMHz: 5650, MaxMHz: 5925, Priority: 1.0, ExpectedMinDbm: -95, ExpectedMaxDbm: -20},
	{Name: "1.2GHz", MinMHz: 1080, MaxMHz: 1360, Priority: 0.9, ExpectedMinDbm: -95, ExpectedMaxDbm: -25},
	{Name: "900MHz", MinMHz: 902, MaxMHz: 928, Priority: 0.8, ExpectedMinDbm: -100, ExpectedMaxDbm: -25},
	{Name: "433MHz", MinMHz: 433.05, MaxMHz: 434.79, Priority: 0.7, ExpectedMinDbm: -100, ExpectedMaxDbm: -25},
	{Name: "868MHz", MinMHz: 863, MaxMHz: 870, Priority: 0.7, ExpectedMinDbm: -100, ExpectedMaxDbm: -25},
}

// InterferenceBands lists broadcast and cellular downlinks that swamp a sweep
// without carrying anything of interest.
var InterferenceBands = []Band{
	{Name: "FM broadcast", MinMHz: 87.5, MaxMHz: 108, Priority: 0.1, ExpectedMinDbm: -90, ExpectedMaxDbm: 0},
	{Name: "LTE 800 downlink", MinMHz: 791, MaxMHz: 821, Priority: 0.2, ExpectedMinDbm: -110, ExpectedMaxDbm: -20},
	{Name: "GSM 900 downlink", MinMHz: 925, MaxMHz: 960, Priority: 0.2, ExpectedMinDbm: -110, ExpectedMaxDbm: -20},
	{Name: "GPS L1", MinMHz: 1574.42, MaxMHz: 1576.42, Priority: 0.1, ExpectedMinDbm: -140, ExpectedMaxDbm: -110},
	{Name: "DCS 1800 downlink", MinMHz: 1805, MaxMHz: 1880, Priority: 0.2, ExpectedMinDbm: -110, ExpectedMaxDbm: -20},
	{Name: "UMTS 2100 downlink", MinMHz: 2110, MaxMHz: 2170, Priority: 0.2, ExpectedMinDbm: -110, ExpectedMaxDbm: -20},
}

// LookupBand returns the first known band containing freqMHz. Drone bands win
// over interference bands.
func LookupBand(freqMHz float64) (Band, bool) {
	if b, ok := findBand(DroneBands, freqMHz); ok {
		return b, true
	}
	return findBand(InterferenceBands, freqMHz)
}

// IsDroneFrequency reports whether freqMHz falls inside a drone band.
func IsDroneFrequency(freqMHz float64) bool {
	_, ok := findBand(DroneBands, freqMHz)
	return ok
}

// BandWeight is the ranking weight for freqMHz; unknown frequencies get a
// small non-zero weight.
func BandWeight(freqMHz float64) float64 {
	if b, ok := LookupBand(freqMHz); ok {
		return b.Priority
	}
	return 0.3
}

func findBand(bands []Band, freqMHz float64) (Band, bool) {
	for _, b := range bands {
		if b.Contains(freqMHz) {
			return b, true
		}
	}
	return Band{}, false
}
