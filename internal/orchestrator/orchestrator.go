// Package orchestrator accepts save requests, snapshots the frame store and
// runs one encode job at a time in the background.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tiroq/replaybuf/internal/clipindex"
	"github.com/tiroq/replaybuf/internal/diaglog"
	"github.com/tiroq/replaybuf/internal/fileutil"
	"github.com/tiroq/replaybuf/internal/framestore"
	"github.com/tiroq/replaybuf/internal/notify"
	"github.com/tiroq/replaybuf/internal/pipeline"
)

var (
	ErrSaveInProgress = errors.New("save already in progress")
	ErrNothingToSave  = errors.New("nothing to save: buffer is empty")
	ErrShuttingDown   = errors.New("orchestrator is shutting down")
	ErrLowDiskSpace   = errors.New("not enough free space in output directory")
)

// Snapshotter is the read side of the frame store.
type Snapshotter interface {
	Snapshot() []*framestore.FrameRecord
}

// Encoder runs a save job. *pipeline.Pipeline implements it.
type Encoder interface {
	Run(ctx context.Context, jobID string, frames []*framestore.FrameRecord, path string) (pipeline.Result, error)
	Ext() string
	Backend() string
}

// Index records terminal jobs. *clipindex.Index implements it.
type Index interface {
	RecordClip(c clipindex.Clip) error
	RecordFailure(c clipindex.Clip) error
	RecordIncomplete(id, reason string, started, finished time.Time) error
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Options wires the orchestrator to its collaborators. Store, Pipeline and
// OutputDir are required.
type Options struct {
	Store     Snapshotter
	Pipeline  Encoder
	Sink      notify.Sink
	Index     Index
	Clock     Clock
	OutputDir string

	WriteMetadata bool
	MinFreeBytes  uint64
	// FreeSpace reports available bytes for MinFreeBytes checks; defaults to
	// fileutil.AvailableBytes.
	FreeSpace func(dir string) (uint64, error)

	// Sidecar fields.
	Version string
	Codec   string
	FPS     int

	Diag *diaglog.Logger
}

// Stats counts requests and outcomes.
type Stats struct {
	Accepted           uint64 `json:"accepted"`
	Succeeded          uint64 `json:"succeeded"`
	Partial            uint64 `json:"partial"`
	Failed             uint64 `json:"failed"`
	Incomplete         uint64 `json:"incomplete"`
	RejectedInProgress uint64 `json:"rejected_in_progress"`
	RejectedEmpty      uint64 `json:"rejected_empty"`
	RejectedOther      uint64 `json:"rejected_other"`
	InFlight           bool   `json:"in_flight"`
}

// Orchestrator enforces at most one save in flight.
type Orchestrator struct {
	opts Options

	inFlight atomic.Bool
	closing  atomic.Bool
	wg       sync.WaitGroup

	mu      sync.Mutex
	current *SaveJob
	last    *SaveJob

	accepted           atomic.Uint64
	succeeded          atomic.Uint64
	partial            atomic.Uint64
	failed             atomic.Uint64
	incomplete         atomic.Uint64
	rejectedInProgress atomic.Uint64
	rejectedEmpty      atomic.Uint64
	rejectedOther      atomic.Uint64
}

// New validates opts and creates the output directory.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Pipeline == nil {
		return nil, fmt.Errorf("orchestrator: store and pipeline are required")
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("orchestrator: output dir is required")
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: create output dir: %w", err)
	}
	if opts.Sink == nil {
		opts.Sink = notify.Func(func(notify.Event) {})
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = fileutil.AvailableBytes
	}
	return &Orchestrator{opts: opts}, nil
}

// InFlight reports whether a save job is running. The trigger uses it as its
// busy gate.
func (o *Orchestrator) InFlight() bool { return o.inFlight.Load() }

// RequestSave snapshots the store and starts an encode job. It never blocks
// on encoding. Rejections return an error and create no job.
func (o *Orchestrator) RequestSave(reason string) (*SaveJob, error) {
	if o.closing.Load() {
		o.reject(&o.rejectedOther, reason, ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	if !o.inFlight.CompareAndSwap(false, true) {
		o.reject(&o.rejectedInProgress, reason, ErrSaveInProgress)
		return nil, ErrSaveInProgress
	}

	frames := o.opts.Store.Snapshot()
	if len(frames) == 0 {
		o.inFlight.Store(false)
		o.reject(&o.rejectedEmpty, reason, ErrNothingToSave)
		return nil, ErrNothingToSave
	}

	if o.opts.MinFreeBytes > 0 {
		free, err := o.opts.FreeSpace(o.opts.OutputDir)
		if err == nil && free < o.opts.MinFreeBytes {
			o.inFlight.Store(false)
			err = fmt.Errorf("%w: %s free, %s required", ErrLowDiskSpace,
				fileutil.HumanSize(int64(free)), fileutil.HumanSize(int64(o.opts.MinFreeBytes)))
			o.reject(&o.rejectedOther, reason, err)
			return nil, err
		}
	}

	now := o.opts.Clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	job := newJob(uuid.NewString(), reason, now, o.clipPath(now), len(frames), cancel)

	o.mu.Lock()
	o.current = job
	o.mu.Unlock()
	o.accepted.Add(1)

	o.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentOrchestrator,
		Event:     diaglog.EventSaveStarted,
		JobID:     job.ID,
		Reason:    reason,
		Payload: map[string]interface{}{
			"path":   job.Path,
			"frames": len(frames),
		},
	})
	o.opts.Sink.Notify(notify.Event{
		Kind:   notify.KindStarted,
		JobID:  job.ID,
		Path:   job.Path,
		Reason: reason,
		Frames: len(frames),
		At:     now,
	})

	o.wg.Add(1)
	go o.run(ctx, job, frames)
	return job, nil
}

// clipPath names the clip after t, stepping forward a millisecond at a time
// if a file with that name already exists.
func (o *Orchestrator) clipPath(t time.Time) string {
	ext := o.opts.Pipeline.Ext()
	for i := 0; i < 1000; i++ {
		path := filepath.Join(o.opts.OutputDir, fileutil.ClipFilename(t.Add(time.Duration(i)*time.Millisecond), ext))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
	}
	return filepath.Join(o.opts.OutputDir, fileutil.ClipFilename(t, ext))
}

func (o *Orchestrator) reject(counter *atomic.Uint64, reason string, err error) {
	counter.Add(1)
	o.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentOrchestrator,
		Event:     diaglog.EventSaveRejected,
		Reason:    reason,
		Payload:   map[string]interface{}{"error": err.Error()},
	})
}

func (o *Orchestrator) run(ctx context.Context, job *SaveJob, frames []*framestore.FrameRecord) {
	defer o.wg.Done()
	defer job.cancel()

	var (
		res pipeline.Result
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &pipeline.JobError{Class: pipeline.ClassInternal, Stage: "encode", Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err = o.opts.Pipeline.Run(ctx, job.ID, frames, job.Path)
	}()

	settled := false
	job.once.Do(func() {
		settled = true
		if err != nil {
			o.fail(job, res, err, frames)
		} else {
			o.succeed(job, res, frames)
		}
	})
	if !settled {
		// Abandoned by Shutdown while encoding.
		_ = fileutil.RemovePartial(job.Path)
	}
}

func (o *Orchestrator) succeed(job *SaveJob, res pipeline.Result, frames []*framestore.FrameRecord) {
	now := o.opts.Clock.Now()
	status := StatusSucceeded
	if res.Partial {
		status = StatusPartial
		o.partial.Add(1)
	}
	o.succeeded.Add(1)
	job.settle(status, res, nil, now)

	if o.opts.WriteMetadata {
		if err := fileutil.WriteMetadata(job.Path, o.metadata(job, res, frames, now)); err != nil {
			o.logFailure(job, "metadata", err)
		}
	}
	if o.opts.Index != nil {
		clip := clipindex.Clip{
			ID:         job.ID,
			Reason:     job.Reason,
			StartedAt:  job.Accepted,
			FinishedAt: now,
			Status:     clipindex.StatusSucceeded,
			Path:       job.Path,
			Frames:     res.FramesEncoded,
			Skipped:    res.FramesSkipped,
			SizeBytes:  res.Bytes,
			Media:      res.Duration,
		}
		if res.Partial {
			clip.Status = clipindex.StatusPartial
		}
		if err := o.opts.Index.RecordClip(clip); err != nil {
			o.logFailure(job, "index", err)
		}
	}

	o.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentOrchestrator,
		Event:     diaglog.EventSaveSucceeded,
		JobID:     job.ID,
		Reason:    job.Reason,
		Payload: map[string]interface{}{
			"path":       job.Path,
			"frames":     res.FramesEncoded,
			"skipped":    res.FramesSkipped,
			"bytes":      res.Bytes,
			"elapsed_ms": res.Elapsed.Milliseconds(),
		},
	})
	o.opts.Sink.Notify(notify.Event{
		Kind:          notify.KindSucceeded,
		JobID:         job.ID,
		Path:          job.Path,
		Reason:        job.Reason,
		Partial:       res.Partial,
		Frames:        res.FramesEncoded,
		FramesSkipped: res.FramesSkipped,
		Bytes:         res.Bytes,
		At:            now,
	})
	o.release(job)
}

func (o *Orchestrator) fail(job *SaveJob, res pipeline.Result, err error, frames []*framestore.FrameRecord) {
	now := o.opts.Clock.Now()
	class := pipeline.ClassOf(err)
	status := StatusFailed
	if class == pipeline.ClassIncomplete {
		status = StatusIncomplete
		o.incomplete.Add(1)
	} else {
		o.failed.Add(1)
	}
	job.settle(status, res, err, now)

	if rmErr := fileutil.RemovePartial(job.Path); rmErr != nil {
		o.logFailure(job, "cleanup", rmErr)
	}
	if o.opts.Index != nil {
		var ierr error
		if status == StatusIncomplete {
			ierr = o.opts.Index.RecordIncomplete(job.ID, job.Reason, job.Accepted, now)
		} else {
			ierr = o.opts.Index.RecordFailure(clipindex.Clip{
				ID:         job.ID,
				Reason:     job.Reason,
				StartedAt:  job.Accepted,
				FinishedAt: now,
				Frames:     res.FramesEncoded,
				Skipped:    res.FramesSkipped,
				ErrorClass: class.String(),
				Error:      err.Error(),
			})
		}
		if ierr != nil {
			o.logFailure(job, "index", ierr)
		}
	}

	o.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentOrchestrator,
		Event:     diaglog.EventSaveFailed,
		JobID:     job.ID,
		Reason:    class.String(),
		Payload: map[string]interface{}{
			"error":   err.Error(),
			"frames":  len(frames),
			"skipped": res.FramesSkipped,
		},
	})
	o.opts.Sink.Notify(notify.Event{
		Kind:          notify.KindFailed,
		JobID:         job.ID,
		Class:         class.String(),
		Reason:        err.Error(),
		Frames:        res.FramesEncoded,
		FramesSkipped: res.FramesSkipped,
		At:            now,
	})
	o.release(job)
}

// release clears the in-flight flag after the terminal notification and
// then unblocks waiters.
func (o *Orchestrator) release(job *SaveJob) {
	o.mu.Lock()
	if o.current == job {
		o.current = nil
	}
	o.last = job
	o.mu.Unlock()
	o.inFlight.Store(false)
	close(job.done)
}

func (o *Orchestrator) logFailure(job *SaveJob, stage string, err error) {
	o.opts.Diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentOrchestrator,
		Event:     diaglog.EventSaveFailed,
		JobID:     job.ID,
		Reason:    stage,
		Payload:   map[string]interface{}{"error": err.Error()},
	})
}

func (o *Orchestrator) metadata(job *SaveJob, res pipeline.Result, frames []*framestore.FrameRecord, finished time.Time) *fileutil.ClipMetadata {
	meta := &fileutil.ClipMetadata{
		Version:       o.opts.Version,
		JobID:         job.ID,
		Reason:        job.Reason,
		AcceptedAt:    job.Accepted,
		FinishedAt:    finished,
		Duration:      res.Duration.String(),
		DurationMs:    res.Duration.Milliseconds(),
		Backend:       o.opts.Pipeline.Backend(),
		Codec:         o.opts.Codec,
		FPS:           o.opts.FPS,
		FramesIn:      res.FramesIn,
		FramesEncoded: res.FramesEncoded,
		FramesSkipped: res.FramesSkipped,
		Partial:       res.Partial,
		SizeBytes:     res.Bytes,
		OutputFile:    job.Path,
	}
	if len(frames) > 0 {
		meta.Width, meta.Height = frames[0].Width, frames[0].Height
	}
	return meta
}

// Shutdown refuses new saves and waits for the running job. If ctx ends
// first the job is cancelled, recorded as incomplete and its partial file
// removed; the returned error wraps ctx.Err().
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closing.Store(true)

	idle := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
	}

	o.mu.Lock()
	job := o.current
	o.mu.Unlock()
	if job != nil {
		o.abandon(job)
	}
	return fmt.Errorf("shutdown: save abandoned: %w", ctx.Err())
}

func (o *Orchestrator) abandon(job *SaveJob) {
	job.once.Do(func() {
		job.cancel()
		now := o.opts.Clock.Now()
		err := &pipeline.JobError{Class: pipeline.ClassIncomplete, Stage: "shutdown", Err: context.DeadlineExceeded}
		o.incomplete.Add(1)
		job.settle(StatusIncomplete, pipeline.Result{Path: job.Path}, err, now)

		_ = fileutil.RemovePartial(job.Path)
		if o.opts.Index != nil {
			if ierr := o.opts.Index.RecordIncomplete(job.ID, job.Reason, job.Accepted, now); ierr != nil {
				o.logFailure(job, "index", ierr)
			}
		}
		o.opts.Diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentOrchestrator,
			Event:     diaglog.EventSaveAbandoned,
			JobID:     job.ID,
			Reason:    job.Reason,
			Payload:   map[string]interface{}{"path": job.Path},
		})
		o.opts.Sink.Notify(notify.Event{
			Kind:   notify.KindFailed,
			JobID:  job.ID,
			Class:  pipeline.ClassIncomplete.String(),
			Reason: "abandoned at shutdown",
			At:     now,
		})
		o.release(job)
	})
}

// Stats returns a snapshot of the counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Accepted:           o.accepted.Load(),
		Succeeded:          o.succeeded.Load(),
		Partial:            o.partial.Load(),
		Failed:             o.failed.Load(),
		Incomplete:         o.incomplete.Load(),
		RejectedInProgress: o.rejectedInProgress.Load(),
		RejectedEmpty:      o.rejectedEmpty.Load(),
		RejectedOther:      o.rejectedOther.Load(),
		InFlight:           o.inFlight.Load(),
	}
}

// LastResult summarises the most recent terminal job.
func (o *Orchestrator) LastResult() (Summary, bool) {
	o.mu.Lock()
	last := o.last
	o.mu.Unlock()
	if last == nil {
		return Summary{}, false
	}
	return last.summary(), true
}

// Current returns the running job, if any.
func (o *Orchestrator) Current() *SaveJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}
