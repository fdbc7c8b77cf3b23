package orchestrator

import "errors"

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrStepNotFound = errors.New("step not found")

	// ErrRunActive is returned by StartRun when the workflow already has a
	// running run and concurrent runs were not allowed.
	ErrRunActive = errors.New("workflow already has a running run")

	ErrRunNotRunning  = errors.New("run is not running")
	ErrRunIsRunning   = errors.New("run is still running")
	ErrRunNotFailed   = errors.New("run is not failed")
	ErrStepNotRunning = errors.New("step is not running")
	ErrNoFailedStep   = errors.New("run has no failed step")

	// ErrSchedulingUnavailable means the scheduler could not be armed; the
	// affected run has been marked failed.
	ErrSchedulingUnavailable = errors.New("scheduling unavailable")

	ErrInvalidStories = errors.New("invalid story list")
)
