package interpreter

import "fmt"

// StepFailedError is raised when a step's observation contract goes unmet
// within its budget (template not found in time, color never matched).
// Per spec §7 this fails the enclosing account; it is never retried at
// the workflow level.
type StepFailedError struct {
	OrderIndex int
	StepType   string
	Reason     string
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %s", e.OrderIndex, e.StepType, e.Reason)
}

// LoadError describes a workflow-load error: a cycle, an unknown step type,
// a non-contiguous order_index or an unresolved template reference.
// workflow.Validate and Coordinator.Start report those failures as plain
// fmt.Errorf errors and do not return this type.
type LoadError struct {
	Reason string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("workflow load error: %s", e.Reason)
}
