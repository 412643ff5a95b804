package batch

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateExecution = errors.New("job execution already running")
	ErrAlreadyComplete    = errors.New("job execution already complete")
	ErrInvalidParameters  = errors.New("invalid job parameters")
	ErrUnknownJob         = errors.New("unknown job")
	ErrExecutionNotFound  = errors.New("job execution not found")

	ErrItemRead      = errors.New("item read failed")
	ErrItemTransform = errors.New("item transform failed")
	ErrChunkWrite    = errors.New("chunk write failed")
)

// ItemError reports a failure inside a chunk. Kind is one of ErrItemRead,
// ErrItemTransform or ErrChunkWrite.
type ItemError struct {
	Kind error
	Step string
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("step %s: %v: %v", e.Step, e.Kind, e.Err)
}

func (e *ItemError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
