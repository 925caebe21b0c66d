package pipeline

import (
	"context"
	"errors"
	"fmt"
	"syscall"
)

// Class categorises a fatal save failure for notification consumers.
type Class int

const (
	ClassNone Class = iota
	ClassEncoder
	ClassContainer
	ClassStorage
	ClassNoFrames
	ClassTooManySkipped
	ClassIncomplete
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassEncoder:
		return "encoder"
	case ClassContainer:
		return "container"
	case ClassStorage:
		return "storage"
	case ClassNoFrames:
		return "no_frames"
	case ClassTooManySkipped:
		return "too_many_skipped"
	case ClassIncomplete:
		return "incomplete"
	case ClassInternal:
		return "internal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// JobError is a fatal pipeline failure.
type JobError struct {
	Class Class
	Stage string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Class, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// ClassOf extracts the Class of err. Errors that are not JobErrors are
// classified by inspection.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	var je *JobError
	if errors.As(err, &je) {
		return je.Class
	}
	if isStorageErr(err) {
		return ClassStorage
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassIncomplete
	}
	return ClassInternal
}

// isStorageErr reports resource exhaustion or a read-only destination.
func isStorageErr(err error) bool {
	return errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EDQUOT) ||
		errors.Is(err, syscall.EROFS) ||
		errors.Is(err, syscall.EFBIG)
}

// fatal wraps err, promoting it to ClassStorage when the OS reported
// exhaustion.
func fatal(class Class, stage string, err error) *JobError {
	if isStorageErr(err) {
		class = ClassStorage
	}
	return &JobError{Class: class, Stage: stage, Err: err}
}
