package kiln

import (
	"fmt"
	"time"
)

// Ramp is one segment of a firing program: reach Target at Rate, then hold
// it for Hold. Descending ramps are valid; the rate is always given as a
// positive magnitude.
type Ramp struct {
	Target float64       `json:"target"`
	Rate   float64       `json:"rate"` // °C per hour, magnitude
	Hold   time.Duration `json:"hold"`
}

// Program is an ordered list of ramps executed back to back.
type Program struct {
	Name  string `json:"name"`
	Ramps []Ramp `json:"ramps"`
}

func (p *Program) Validate() error {
	if len(p.Ramps) == 0 {
		return ErrEmptyProgram
	}
	for i, r := range p.Ramps {
		if r.Rate <= 0 {
			return fmt.Errorf("%w: ramp %d", ErrInvalidRamp, i)
		}
		if r.Target < 0 {
			return fmt.Errorf("%w: ramp %d target below zero", ErrInvalidRamp, i)
		}
		if r.Hold < 0 {
			return fmt.Errorf("%w: ramp %d hold below zero", ErrInvalidRamp, i)
		}
	}
	return nil
}

const (
	// rampTolerance is how close the kiln must track the moving setpoint for
	// the ramp to be considered on schedule.
	rampTolerance = 10.0
	// holdTolerance is how close the kiln must stay to the target for hold
	// time to accumulate.
	holdTolerance = 15.0
)

type segmentPhase int

const (
	segmentRamping segmentPhase = iota
	segmentHolding
)

// ProgramRunner advances the setpoint through the ramps of a firing program.
// The setpoint moves at the commanded rate regardless of the measured
// temperature; when the kiln lags outside rampTolerance the setpoint waits so
// the error cannot grow without bound. Hold time only accumulates while the
// measurement stays within holdTolerance of the target.
type ProgramRunner struct {
	program Program

	segment   int
	phase     segmentPhase
	setpoint  float64
	heldFor   time.Duration
	done      bool
	startedAt time.Time
}

// NewProgramRunner starts the program from the given initial temperature so
// the first ramp begins where the kiln actually is.
func NewProgramRunner(p Program, initialTemp float64, now time.Time) (*ProgramRunner, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &ProgramRunner{
		program:   p,
		setpoint:  initialTemp,
		startedAt: now,
	}, nil
}

// Advance moves the program forward by dt and returns the setpoint for the
// next control interval. measured is the current (smoothed) kiln temperature.
func (r *ProgramRunner) Advance(measured float64, dt time.Duration) float64 {
	if r.done || dt <= 0 {
		return r.setpoint
	}

	ramp := r.program.Ramps[r.segment]

	switch r.phase {
	case segmentRamping:
		lag := r.setpoint - measured
		if lag < 0 {
			lag = -lag
		}
		if lag <= rampTolerance {
			step := ramp.Rate / 3600 * dt.Seconds()
			if r.setpoint < ramp.Target {
				r.setpoint += step
				if r.setpoint > ramp.Target {
					r.setpoint = ramp.Target
				}
			} else if r.setpoint > ramp.Target {
				r.setpoint -= step
				if r.setpoint < ramp.Target {
					r.setpoint = ramp.Target
				}
			}
		}
		if r.setpoint == ramp.Target {
			r.phase = segmentHolding
			r.heldFor = 0
		}

	case segmentHolding:
		diff := measured - ramp.Target
		if diff < 0 {
			diff = -diff
		}
		if diff <= holdTolerance {
			r.heldFor += dt
		}
		if r.heldFor >= ramp.Hold {
			r.nextSegment()
		}
	}

	return r.setpoint
}

func (r *ProgramRunner) nextSegment() {
	r.segment++
	if r.segment >= len(r.program.Ramps) {
		r.segment = len(r.program.Ramps) - 1
		r.done = true
		return
	}
	r.phase = segmentRamping
	r.heldFor = 0
}

func (r *ProgramRunner) Done() bool { return r.done }

func (r *ProgramRunner) Setpoint() float64 { return r.setpoint }

func (r *ProgramRunner) Program() Program { return r.program }

// ProgramStatus is a read-only snapshot for the control plane.
type ProgramStatus struct {
	Name        string  `json:"name"`
	Segment     int     `json:"segment"`
	Segments    int     `json:"segments"`
	Phase       string  `json:"phase"`
	Setpoint    float64 `json:"setpoint"`
	HeldSeconds float64 `json:"held_seconds"`
	Done        bool    `json:"done"`
}

func (r *ProgramRunner) Status() ProgramStatus {
	phase := "ramping"
	if r.phase == segmentHolding {
		phase = "holding"
	}
	if r.done {
		phase = "done"
	}
	return ProgramStatus{
		Name:        r.program.Name,
		Segment:     r.segment,
		Segments:    len(r.program.Ramps),
		Phase:       phase,
		Setpoint:    r.setpoint,
		HeldSeconds: r.heldFor.Seconds(),
		Done:        r.done,
	}
}
