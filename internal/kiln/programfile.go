package kiln

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RampSpec is the wire form of a ramp. Hold is given in seconds so program
// files and API payloads stay human-readable.
type RampSpec struct {
	Target float64 `json:"target" yaml:"target"`
	Rate   float64 `json:"rate" yaml:"rate"` // °C per hour
	Hold   float64 `json:"hold" yaml:"hold"` // seconds
}

// ProgramSpec is the wire form of a firing program.
type ProgramSpec struct {
	Name     string     `json:"name" yaml:"name"`
	Segments []RampSpec `json:"segments" yaml:"segments"`
}

// Program converts the wire form to the internal representation.
func (s ProgramSpec) Program() Program {
	p := Program{Name: s.Name, Ramps: make([]Ramp, len(s.Segments))}
	for i, seg := range s.Segments {
		p.Ramps[i] = Ramp{
			Target: seg.Target,
			Rate:   seg.Rate,
			Hold:   time.Duration(seg.Hold * float64(time.Second)),
		}
	}
	return p
}

// LoadProgramFile reads a firing program from a YAML file:
//
//	name: bisque cone 04
//	segments:
//	  - {target: 600, rate: 100, hold: 0}
//	  - {target: 950, rate: 150, hold: 600}
//
// The returned program is validated.
func LoadProgramFile(path string) (Program, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Program{}, fmt.Errorf("read program file: %w", err)
	}
	var spec ProgramSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return Program{}, fmt.Errorf("parse program file %s: %w", path, err)
	}
	p := spec.Program()
	if err := p.Validate(); err != nil {
		return Program{}, fmt.Errorf("program file %s: %w", path, err)
	}
	return p, nil
}
