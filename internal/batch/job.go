package batch

import (
	"fmt"
	"strings"
)

// Job is a named, ordered list of steps. The definition is immutable once
// registered with a Launcher; every launch creates a new JobExecution.
type Job struct {
	Name  string
	Steps []Step

	// RequiredParameters must be present and non-empty on every launch.
	RequiredParameters []string

	// Restartable jobs may be launched again with parameters that already
	// produced a completed execution.
	Restartable bool

	listeners Listeners
}

func NewJob(name string, steps ...Step) *Job {
	return &Job{Name: name, Steps: steps}
}

// AddListener registers a job-scoped listener. Job-scoped listeners run
// before the launcher's global listeners.
func (j *Job) AddListener(l any) {
	j.listeners.Add(l)
}

func (j *Job) RemoveListener(l any) {
	j.listeners.Remove(l)
}

func (j *Job) validate(params Parameters) error {
	var missing []string
	for _, key := range j.RequiredParameters {
		if v, ok := params.Get(key); !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidParameters, strings.Join(missing, ", "))
	}
	return nil
}
