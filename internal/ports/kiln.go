package ports

import (
	"time"

	"github.com/giorgiodidon/controller-forno/internal/kiln"
)

// LogStore is the full persistence port. The control loop consumes the
// narrower kiln.RunStore subset; controllers and the adaptive engine use the
// read side as well.
type LogStore interface {
	StartRun(runID, mode string, startedAt time.Time) error
	Append(runID string, s kiln.RunSample) error
	FinishRun(runID string) error
	LoadRun(runID string) ([]kiln.RunSample, error)
	Runs() ([]string, error)

	SaveTuningResult(res kiln.TuningResult) error
	LoadTuningResult(testID string) (kiln.TuningResult, error)
	TuningHistory() ([]kiln.TuningResult, error)
}

// KilnService is the control-plane port used by controllers (HTTP/MQTT/etc).
type KilnService interface {
	Get() kiln.Snapshot

	StartAutotune(params kiln.AutotuneParams) (string, error)
	StopAutotune() error
	AutotuneStatus() kiln.AutotuneStatus
	TuningResult(testID string) (kiln.TuningResult, error)
	TuningHistory() ([]kiln.TuningResult, error)

	StartProgram(p kiln.Program) (string, error)
	StopProgram() error

	Gains() kiln.Gains
	ApplyGains(g kiln.Gains) (kiln.Gains, bool, error)

	SetAdaptive(on bool)
	ResetEmergency()
}
