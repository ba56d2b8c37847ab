package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"flightcore/internal/msg"
)

// ScenarioScript is a deterministic, script-driven fault scenario for the
// simulated IMU.
//
// YAML schema (v1):
//
//	version: 1
//	motion:
//	  roll_amplitude_deg: 20
//	  period: 4s
//	faults:
//	  - t: 2s
//	    sensor: mag
//	    count: 100    # -1 fails forever, 0 clears
//	  - t: 5s
//	    sensor: mag
//	    count: 0
//
// Fault events must be sorted by t.
type ScenarioScript struct {
	Version int             `yaml:"version"`
	Motion  *ScenarioMotion `yaml:"motion"`
	Faults  []FaultEvent    `yaml:"faults"`
}

type ScenarioMotion struct {
	RollAmplitudeDeg float64       `yaml:"roll_amplitude_deg"`
	Period           time.Duration `yaml:"period"`
}

// FaultEvent injects Count read faults on Sensor's data registers at T.
type FaultEvent struct {
	T      time.Duration `yaml:"t"`
	Sensor string        `yaml:"sensor"`
	Count  int           `yaml:"count"`

	kind msg.Kind
}

// Scenario is the validated, runtime representation. It is not safe for
// concurrent use.
type Scenario struct {
	script ScenarioScript
	next   int
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

// ParseScenarioScriptYAML parses a YAML scenario script.
func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, err
	}
	return s, nil
}

// NewScenario validates script and returns a runtime Scenario.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported scenario version %d", script.Version)
	}
	faults := make([]FaultEvent, len(script.Faults))
	copy(faults, script.Faults)
	for i := range faults {
		if faults[i].T < 0 {
			return nil, fmt.Errorf("faults[%d].t must be >= 0", i)
		}
		if i > 0 && faults[i].T < faults[i-1].T {
			return nil, fmt.Errorf("faults must be sorted by t (index %d)", i)
		}
		k, err := msg.ParseKind(faults[i].Sensor)
		if err != nil {
			return nil, fmt.Errorf("faults[%d].sensor: %w", i, err)
		}
		faults[i].kind = k
	}
	script.Faults = faults
	return &Scenario{script: script}, nil
}

// Motion returns the scripted motion profile, or nil to keep the default.
func (s *Scenario) Motion() *Motion {
	if s == nil || s.script.Motion == nil {
		return nil
	}
	m := DefaultMotion()
	m.RollAmplitudeDeg = s.script.Motion.RollAmplitudeDeg
	if s.script.Motion.Period > 0 {
		m.Period = s.script.Motion.Period
	}
	return m
}

// Apply injects every fault event due at or before elapsed that has not been
// applied yet, and returns how many were applied.
func (s *Scenario) Apply(imu *IMU, elapsed time.Duration) int {
	if s == nil {
		return 0
	}
	evs := s.script.Faults[s.next:]
	n := sort.Search(len(evs), func(i int) bool { return evs[i].T > elapsed })
	for _, ev := range evs[:n] {
		imu.FaultSensor(ev.kind, ev.Count)
	}
	s.next += n
	return n
}

// Done reports whether every fault event has been applied.
func (s *Scenario) Done() bool {
	return s == nil || s.next >= len(s.script.Faults)
}
