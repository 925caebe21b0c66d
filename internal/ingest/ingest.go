// Package ingest turns raw rendered frames into compressed FrameRecords and
// pushes them into the frame store. The capture side never blocks: frames are
// handed to a bounded queue and dropped when compression falls behind.
package ingest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tiroq/replaybuf/internal/codec"
	"github.com/tiroq/replaybuf/internal/diaglog"
	"github.com/tiroq/replaybuf/internal/framestore"
)

var (
	// ErrBackpressure means the frame was dropped because the queue was full.
	ErrBackpressure = errors.New("ingest: compression backlog full, frame dropped")

	// ErrStopped is returned by Ingest after Stop.
	ErrStopped = errors.New("ingest: stopped")
)

// Pusher receives compressed records in Seq order.
type Pusher interface {
	Push(rec *framestore.FrameRecord)
}

// Options configures an Ingester.
type Options struct {
	// QueueDepth bounds frames waiting for compression. Default 2.
	QueueDepth int
	// FPS sets the per-frame budget used for the Slow counter. Zero disables it.
	FPS int
	// Diag receives rate-limited drop and failure events.
	Diag *diaglog.Logger
}

// Stats is a lock-free snapshot of ingestion counters.
type Stats struct {
	Ingested       uint64 `json:"frames_ingested"`
	Dropped        uint64 `json:"frames_dropped"`
	CompressFailed uint64 `json:"compress_failed"`
	Slow           uint64 `json:"slow_frames"`
	NextSeq        uint64 `json:"next_seq"`
}

type pending struct {
	raw      codec.RawFrame
	view     int
	seq      uint64
	captured time.Duration
	queuedAt time.Time
}

// Ingester assigns sequence numbers and capture timestamps, then compresses
// frames on a single worker so records reach the store in Seq order.
type Ingester struct {
	store  Pusher
	codec  codec.Codec
	diag   *diaglog.Logger
	budget time.Duration
	epoch  time.Time

	queue chan pending
	stop  chan struct{}
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool

	// admit orders seq assignment with the enqueue across callers.
	admit          sync.Mutex
	seq            atomic.Uint64
	ingested       atomic.Uint64
	dropped        atomic.Uint64
	compressFailed atomic.Uint64
	slow           atomic.Uint64

	logLimit *rate.Limiter
}

// New creates an Ingester. Call Start before frames are expected to flow.
func New(store Pusher, c codec.Codec, opts Options) *Ingester {
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 2
	}
	var budget time.Duration
	if opts.FPS > 0 {
		budget = time.Second / time.Duration(opts.FPS)
	}
	return &Ingester{
		store:    store,
		codec:    c,
		diag:     opts.Diag,
		budget:   budget,
		epoch:    time.Now(),
		queue:    make(chan pending, depth),
		stop:     make(chan struct{}),
		logLimit: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Start launches the compression worker. Idempotent.
func (in *Ingester) Start() {
	in.startOnce.Do(func() {
		in.wg.Add(1)
		go in.run()
	})
}

// Stop finishes frames already queued and stops the worker. Idempotent.
func (in *Ingester) Stop() {
	in.stopOnce.Do(func() {
		in.stopped.Store(true)
		close(in.stop)
	})
	in.wg.Wait()
}

// Ingest stamps raw with the next sequence number and a monotonic capture
// time and queues it for compression. It never blocks; a full queue drops
// the frame and returns ErrBackpressure. Safe for concurrent callers: queue
// order always matches Seq order.
func (in *Ingester) Ingest(raw codec.RawFrame, view int) error {
	if in.stopped.Load() {
		return ErrStopped
	}
	in.admit.Lock()
	p := pending{
		raw:      raw,
		view:     view,
		seq:      in.seq.Add(1) - 1,
		captured: time.Since(in.epoch),
		queuedAt: time.Now(),
	}
	var queued bool
	select {
	case in.queue <- p:
		queued = true
	default:
	}
	in.admit.Unlock()

	if queued {
		return nil
	}
	in.dropped.Add(1)
	in.logDrop(diaglog.EventFrameDropped, p.seq, "backpressure")
	return ErrBackpressure
}

// Stats returns current counters.
func (in *Ingester) Stats() Stats {
	return Stats{
		Ingested:       in.ingested.Load(),
		Dropped:        in.dropped.Load(),
		CompressFailed: in.compressFailed.Load(),
		Slow:           in.slow.Load(),
		NextSeq:        in.seq.Load(),
	}
}

// Epoch is the wall-clock instant that CaptureTime offsets are relative to.
func (in *Ingester) Epoch() time.Time { return in.epoch }

func (in *Ingester) run() {
	defer in.wg.Done()
	for {
		select {
		case p := <-in.queue:
			in.process(p)
		case <-in.stop:
			for {
				select {
				case p := <-in.queue:
					in.process(p)
				default:
					return
				}
			}
		}
	}
}

func (in *Ingester) process(p pending) {
	payload, err := in.codec.Compress(p.raw)
	if err != nil {
		in.compressFailed.Add(1)
		in.logDrop(diaglog.EventCompressFailed, p.seq, err.Error())
		return
	}
	in.store.Push(framestore.NewRecord(p.seq, p.captured, p.view, p.raw.Width, p.raw.Height, payload))
	in.ingested.Add(1)
	if in.budget > 0 && time.Since(p.queuedAt) > in.budget {
		in.slow.Add(1)
	}
}

func (in *Ingester) logDrop(event string, seq uint64, reason string) {
	if !in.diag.Enabled() || !in.logLimit.Allow() {
		return
	}
	in.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentIngest,
		Event:     event,
		Reason:    reason,
		Payload: map[string]interface{}{
			"seq":     seq,
			"dropped": in.dropped.Load(),
			"failed":  in.compressFailed.Load(),
		},
	})
}
