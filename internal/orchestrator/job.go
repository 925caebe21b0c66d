package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/tiroq/replaybuf/internal/pipeline"
)

// Status is the lifecycle state of a SaveJob.
type Status string

const (
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusIncomplete Status = "incomplete"
)

// SaveJob is one accepted save. Its terminal state is set exactly once.
type SaveJob struct {
	ID       string
	Reason   string
	Accepted time.Time
	Path     string
	Frames   int

	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	mu       sync.Mutex
	status   Status
	result   pipeline.Result
	err      error
	finished time.Time
}

func newJob(id, reason string, accepted time.Time, path string, frames int, cancel context.CancelFunc) *SaveJob {
	return &SaveJob{
		ID:       id,
		Reason:   reason,
		Accepted: accepted,
		Path:     path,
		Frames:   frames,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   StatusRunning,
	}
}

// Done is closed once the job reached a terminal state.
func (j *SaveJob) Done() <-chan struct{} { return j.done }

// Wait blocks until the job is terminal and returns its outcome.
func (j *SaveJob) Wait() (pipeline.Result, error) {
	<-j.done
	return j.Result()
}

// Result returns the outcome so far. Before Done it is the zero Result.
func (j *SaveJob) Result() (pipeline.Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// Status returns the current lifecycle state.
func (j *SaveJob) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Finished returns when the job became terminal.
func (j *SaveJob) Finished() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

func (j *SaveJob) settle(status Status, res pipeline.Result, err error, at time.Time) {
	j.mu.Lock()
	j.status = status
	j.result = res
	j.err = err
	j.finished = at
	j.mu.Unlock()
}

// Summary is the last terminal job as reported in status output.
type Summary struct {
	JobID      string    `json:"job_id"`
	Reason     string    `json:"reason,omitempty"`
	Status     Status    `json:"status"`
	Path       string    `json:"path,omitempty"`
	Class      string    `json:"class,omitempty"`
	Error      string    `json:"error,omitempty"`
	Frames     int       `json:"frames"`
	Skipped    int       `json:"skipped"`
	Bytes      int64     `json:"bytes"`
	FinishedAt time.Time `json:"finished_at"`
}

func (j *SaveJob) summary() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Summary{
		JobID:      j.ID,
		Reason:     j.Reason,
		Status:     j.status,
		Frames:     j.result.FramesEncoded,
		Skipped:    j.result.FramesSkipped,
		Bytes:      j.result.Bytes,
		FinishedAt: j.finished,
	}
	if j.status == StatusSucceeded || j.status == StatusPartial {
		s.Path = j.Path
	}
	if j.err != nil {
		s.Class = pipeline.ClassOf(j.err).String()
		s.Error = j.err.Error()
	}
	return s
}
