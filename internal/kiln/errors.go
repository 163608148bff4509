package kiln

import "errors"

var (
	ErrBusy                  = errors.New("another run is already active")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInvalidMode           = errors.New("invalid mode")
	ErrInvalidGains          = errors.New("PID gains must be greater or equal to zero")
	ErrInvalidGainLimits     = errors.New("invalid gain limits")
	ErrInvalidOutputLimits   = errors.New("output min must be below output max")
	ErrInvalidSafetyLimits   = errors.New("invalid safety limits")
	ErrInvalidRelayLevels    = errors.New("relay high must be above relay low")
	ErrTestTempOutOfRange    = errors.New("test temperature outside safe operating range")
	ErrDegenerateOscillation = errors.New("degenerate oscillation: amplitude too small")
	ErrInsufficientPeaks     = errors.New("not enough peaks recorded")
	ErrAutotuneTimeout       = errors.New("autotune exceeded max duration")
	ErrSafetyAbort           = errors.New("aborted by safety monitor")
	ErrEmptyProgram          = errors.New("program has no ramps")
	ErrInvalidRamp           = errors.New("ramp rate must be positive")
	ErrResultNotFound        = errors.New("tuning result not found")
)
