package schedule

import "fmt"

// StorageError is a persistence read or write failure.
// It is recovered by retrying on the next trigger.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SchedulingError means the alarm facility refused to arm or cancel a timer.
// The state is not advanced so the next trigger retries.
type SchedulingError struct {
	Op  string
	Err error
}

func (e *SchedulingError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("scheduling %s: %v", e.Op, e.Err)
}

func (e *SchedulingError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
