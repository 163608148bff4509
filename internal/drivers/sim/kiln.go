// Package sim provides a first-order kiln plant for running the controller
// without hardware. It implements both kiln.Sensor and kiln.Actuator against
// a shared simulated chamber.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/giorgiodidon/controller-forno/internal/kiln"
)

type Params struct {
	AmbientTemperature float64
	InitialTemperature float64
	// HeatRate is the °C/s gained at 100% valve opening.
	HeatRate float64
	// LossCoefficient scales heat loss toward ambient, per second.
	LossCoefficient float64
}

func DefaultParams() Params {
	return Params{
		AmbientTemperature: 20,
		InitialTemperature: 20,
		HeatRate:           0.5,
		LossCoefficient:    0.0004,
	}
}

// Kiln integrates the plant in real time: each Read advances the chamber
// temperature using the valve position held since the previous call.
type Kiln struct {
	mu     sync.Mutex
	params Params
	temp   float64
	valve  float64
	lastAt time.Time
}

func New(params Params) *Kiln {
	return &Kiln{params: params, temp: params.InitialTemperature}
}

func (k *Kiln) step(now time.Time) {
	if !k.lastAt.IsZero() {
		dt := now.Sub(k.lastAt).Seconds()
		if dt > 0 {
			gain := k.valve / 100 * k.params.HeatRate * dt
			loss := k.params.LossCoefficient * (k.params.AmbientTemperature - k.temp) * dt
			k.temp += gain + loss
		}
	}
	k.lastAt = now
}

func (k *Kiln) Read(ctx context.Context) (kiln.Reading, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := time.Now()
	k.step(now)
	return kiln.Reading{Temperature: k.temp, At: now, Valid: true}, nil
}

func (k *Kiln) SetPosition(ctx context.Context, percent float64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	k.step(time.Now())
	k.valve = percent
	return nil
}

// Advance steps the plant by dt at the current valve position. Tests use it
// to run the simulation on a virtual clock.
func (k *Kiln) Advance(dt time.Duration) float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	gain := k.valve / 100 * k.params.HeatRate * dt.Seconds()
	loss := k.params.LossCoefficient * (k.params.AmbientTemperature - k.temp) * dt.Seconds()
	k.temp += gain + loss
	k.lastAt = time.Time{}
	return k.temp
}

func (k *Kiln) Temperature() float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.temp
}
