package engine

import (
	"errors"
	"fmt"
)

// ErrProcessingFailed marks a tick that produced no usable snapshot.
var ErrProcessingFailed = errors.New("processing failed")

// ProcessingError reports which stage failed a tick. It matches both
// ErrProcessingFailed and the underlying cause with errors.Is.
type ProcessingError struct {
	Stage string
	Err   error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s in %s stage: %v", ErrProcessingFailed, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() []error {
	return []error{ErrProcessingFailed, e.Err}
}
