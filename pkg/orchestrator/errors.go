package orchestrator

var (
	ErrPositionerDisconnected = &orchestratorError{"positioner is not connected"}
	ErrEmptyTaskQueue         = &orchestratorError{"no sensor tasks configured"}
	ErrNoPoints               = &orchestratorError{"no temperature points given"}
	ErrInvalidPoint           = &orchestratorError{"temperature point target must be finite"}
	ErrInvalidTask            = &orchestratorError{"invalid sensor task"}
	ErrAlreadyRunning         = &orchestratorError{"calibration already in progress"}
	ErrNotRunning             = &orchestratorError{"calibration not running"}
	ErrNotPaused              = &orchestratorError{"calibration not paused"}
)

type orchestratorError struct{ msg string }

func (e *orchestratorError) Error() string { return e.msg }
