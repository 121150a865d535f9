package orchestration

import (
	"fmt"

	"evalgo.org/katprep/internal/backend"
	"evalgo.org/katprep/internal/metrics"
)

// Task kinds listed by the status phase.
const (
	TaskErrata  = "errata"
	TaskUpgrade = "upgrade"
)

// TaskState classifies a backend task.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskFailed    TaskState = "failed"
	TaskSucceeded TaskState = "succeeded"
)

// TaskStatus is a classified task record.
type TaskStatus struct {
	Kind   string
	Record backend.TaskRecord
	State  TaskState
}

// ClassifyTask derives the state of a task from its progress counters, or
// from state and result when the backend reports no counters.
func ClassifyTask(rec backend.TaskRecord) TaskState {
	if rec.Total > 0 || rec.Pending > 0 {
		switch {
		case rec.Pending > 0 || rec.Succeeded+rec.Failed < rec.Total:
			return TaskRunning
		case rec.Failed > 0:
			return TaskFailed
		default:
			return TaskSucceeded
		}
	}
	if rec.State != "" && rec.State != "stopped" {
		return TaskRunning
	}
	if rec.Result == "error" || rec.Result == "warning" {
		return TaskFailed
	}
	return TaskSucceeded
}

// StepResult is the outcome of one step on one host.
type StepResult struct {
	Step    string
	Outcome string
	Err     error
}

// HostResult collects the step outcomes of one host.
type HostResult struct {
	Key      string
	Hostname string
	Steps    []StepResult
	Tasks    []TaskStatus
}

// Failed reports whether any step failed.
func (h HostResult) Failed() bool {
	for _, s := range h.Steps {
		if s.Outcome == metrics.OutcomeFailed {
			return true
		}
	}
	return false
}

// Step returns the last result recorded for step.
func (h HostResult) Step(step string) (StepResult, bool) {
	for i := len(h.Steps) - 1; i >= 0; i-- {
		if h.Steps[i].Step == step {
			return h.Steps[i], true
		}
	}
	return StepResult{}, false
}

// HostFailure is one failed step.
type HostFailure struct {
	Key      string
	Hostname string
	Step     string
	Err      error
}

func (f HostFailure) Error() string {
	return fmt.Sprintf("%s: %s: %v", f.Hostname, f.Step, f.Err)
}

// RunSummary is the result of one phase.
type RunSummary struct {
	RunID  string
	Phase  Phase
	DryRun bool
	Hosts  []HostResult
}

// Failures lists all failed steps, ordered by host key.
func (s *RunSummary) Failures() []HostFailure {
	var out []HostFailure
	for _, h := range s.Hosts {
		for _, st := range h.Steps {
			if st.Outcome == metrics.OutcomeFailed {
				out = append(out, HostFailure{Key: h.Key, Hostname: h.Hostname, Step: st.Step, Err: st.Err})
			}
		}
	}
	return out
}

// FailedHosts counts hosts with at least one failed step.
func (s *RunSummary) FailedHosts() int {
	n := 0
	for _, h := range s.Hosts {
		if h.Failed() {
			n++
		}
	}
	return n
}

// Host returns the result for key.
func (s *RunSummary) Host(key string) (HostResult, bool) {
	for _, h := range s.Hosts {
		if h.Key == key {
			return h, true
		}
	}
	return HostResult{}, false
}

// Err returns ErrHostFailures when any host failed.
func (s *RunSummary) Err() error {
	if n := s.FailedHosts(); n > 0 {
		return fmt.Errorf("%w: %d of %d hosts", ErrHostFailures, n, len(s.Hosts))
	}
	return nil
}
