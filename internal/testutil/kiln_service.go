package testutil

import (
	"github.com/giorgiodidon/controller-forno/internal/kiln"
)

// FakeKilnService is a reusable fake implementing ports.KilnService.
// Put ONLY what multiple test packages need here.
type FakeKilnService struct {
	S kiln.Snapshot

	StartAutotuneCalled bool
	StartAutotuneArg    kiln.AutotuneParams
	StartAutotuneID     string
	StartAutotuneErr    error

	StopAutotuneCalled bool
	StopAutotuneErr    error

	AutotuneStatusRet kiln.AutotuneStatus

	TuningResultArg string
	TuningResultRet kiln.TuningResult
	TuningResultErr error

	TuningHistoryRet []kiln.TuningResult
	TuningHistoryErr error

	StartProgramCalled bool
	StartProgramArg    kiln.Program
	StartProgramID     string
	StartProgramErr    error

	StopProgramCalled bool
	StopProgramErr    error

	GainsRet kiln.Gains

	ApplyGainsCalled  bool
	ApplyGainsArg     kiln.Gains
	ApplyGainsRet     kiln.Gains
	ApplyGainsClamped bool
	ApplyGainsErr     error

	SetAdaptiveCalled bool
	SetAdaptiveArg    bool

	ResetEmergencyCalled bool
}

func NewFakeKilnService() *FakeKilnService {
	return &FakeKilnService{
		S: kiln.Snapshot{
			Mode:        "idle",
			Temperature: 21,
			SensorOK:    true,
			ValveSource: "idle",
			Gains:       kiln.Gains{Kp: 2, Ki: 0.02, Kd: 1},
		},
		StartAutotuneID: "test-1",
		StartProgramID:  "run-1",
	}
}

func (f *FakeKilnService) Get() kiln.Snapshot { return f.S }

func (f *FakeKilnService) StartAutotune(params kiln.AutotuneParams) (string, error) {
	f.StartAutotuneCalled = true
	f.StartAutotuneArg = params
	if f.StartAutotuneErr != nil {
		return "", f.StartAutotuneErr
	}
	return f.StartAutotuneID, nil
}

func (f *FakeKilnService) StopAutotune() error {
	f.StopAutotuneCalled = true
	return f.StopAutotuneErr
}

func (f *FakeKilnService) AutotuneStatus() kiln.AutotuneStatus {
	return f.AutotuneStatusRet
}

func (f *FakeKilnService) TuningResult(testID string) (kiln.TuningResult, error) {
	f.TuningResultArg = testID
	return f.TuningResultRet, f.TuningResultErr
}

func (f *FakeKilnService) TuningHistory() ([]kiln.TuningResult, error) {
	return f.TuningHistoryRet, f.TuningHistoryErr
}

func (f *FakeKilnService) StartProgram(p kiln.Program) (string, error) {
	f.StartProgramCalled = true
	f.StartProgramArg = p
	if f.StartProgramErr != nil {
		return "", f.StartProgramErr
	}
	return f.StartProgramID, nil
}

func (f *FakeKilnService) StopProgram() error {
	f.StopProgramCalled = true
	return f.StopProgramErr
}

func (f *FakeKilnService) Gains() kiln.Gains { return f.GainsRet }

func (f *FakeKilnService) ApplyGains(g kiln.Gains) (kiln.Gains, bool, error) {
	f.ApplyGainsCalled = true
	f.ApplyGainsArg = g
	if f.ApplyGainsErr != nil {
		return kiln.Gains{}, false, f.ApplyGainsErr
	}
	return f.ApplyGainsRet, f.ApplyGainsClamped, nil
}

func (f *FakeKilnService) SetAdaptive(on bool) {
	f.SetAdaptiveCalled = true
	f.SetAdaptiveArg = on
}

func (f *FakeKilnService) ResetEmergency() {
	f.ResetEmergencyCalled = true
}
