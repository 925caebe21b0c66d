package ingest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tiroq/replaybuf/internal/codec"
	"github.com/tiroq/replaybuf/internal/framestore"
	"github.com/tiroq/replaybuf/testutil"
)

type collector struct {
	mu      sync.Mutex
	records []*framestore.FrameRecord
}

func (c *collector) Push(rec *framestore.FrameRecord) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

func (c *collector) all() []*framestore.FrameRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*framestore.FrameRecord(nil), c.records...)
}

// stubCodec copies pixels through and can block or fail on demand.
type stubCodec struct {
	entered chan struct{}
	release chan struct{}
	failOn  map[int]bool // pixel[0] values that fail
}

func (s *stubCodec) Name() string { return "stub" }

func (s *stubCodec) Compress(raw codec.RawFrame) ([]byte, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
		<-s.release
	}
	if s.failOn[int(raw.Pix[0])] {
		return nil, errors.New("boom")
	}
	return append([]byte(nil), raw.Pix...), nil
}

func (s *stubCodec) Decompress(p []byte) (codec.RawFrame, error) {
	return codec.RawFrame{Width: 1, Height: 1, Pix: p}, nil
}

func frame(tag byte) codec.RawFrame {
	return codec.RawFrame{Width: 1, Height: 1, Pix: []byte{tag, 0, 0, 255}}
}

func TestSequenceAndCaptureTimeAreMonotonic(t *testing.T) {
	sink := &collector{}
	in := New(sink, &stubCodec{}, Options{QueueDepth: 64})
	in.Start()
	defer in.Stop()

	for i := 0; i < 20; i++ {
		if err := in.Ingest(frame(byte(i)), i%2); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}
	testutil.WaitForCondition(t, func() bool { return len(sink.all()) == 20 }, 2*time.Second, "all frames pushed")

	recs := sink.all()
	for i, r := range recs {
		if r.Seq != uint64(i) {
			t.Fatalf("record %d has seq %d", i, r.Seq)
		}
		if r.View != i%2 {
			t.Errorf("record %d view = %d", i, r.View)
		}
		if i > 0 && r.CaptureTime < recs[i-1].CaptureTime {
			t.Errorf("capture time went backwards at %d", i)
		}
		if !r.Verify() {
			t.Errorf("record %d checksum mismatch", i)
		}
	}
	st := in.Stats()
	if st.Ingested != 20 || st.Dropped != 0 || st.NextSeq != 20 {
		t.Errorf("stats = %+v", st)
	}
}

func TestConcurrentIngestKeepsSeqOrder(t *testing.T) {
	const perView = 5000
	sink := &collector{}
	in := New(sink, &stubCodec{}, Options{QueueDepth: 1 << 14})
	in.Start()
	defer in.Stop()

	var wg sync.WaitGroup
	for view := 0; view < 2; view++ {
		wg.Add(1)
		go func(view int) {
			defer wg.Done()
			for i := 0; i < perView; i++ {
				_ = in.Ingest(frame(byte(i)), view)
			}
		}(view)
	}
	wg.Wait()

	want := int(in.Stats().NextSeq - in.Stats().Dropped)
	testutil.WaitForCondition(t, func() bool { return len(sink.all()) == want }, 5*time.Second, "queued frames pushed")

	recs := sink.all()
	for i := 1; i < len(recs); i++ {
		if recs[i].Seq <= recs[i-1].Seq {
			t.Fatalf("push %d: seq %d after %d", i, recs[i].Seq, recs[i-1].Seq)
		}
		if recs[i].CaptureTime < recs[i-1].CaptureTime {
			t.Fatalf("push %d: capture time went backwards", i)
		}
	}
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	c := &stubCodec{entered: make(chan struct{}), release: make(chan struct{})}
	sink := &collector{}
	in := New(sink, c, Options{QueueDepth: 1})
	in.Start()

	testutil.AssertNoError(t, in.Ingest(frame(0), 0), "first frame")
	<-c.entered // worker is now busy compressing frame 0
	testutil.AssertNoError(t, in.Ingest(frame(1), 0), "second frame fills the queue")

	start := time.Now()
	err := in.Ingest(frame(2), 0)
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("want ErrBackpressure, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Ingest blocked on a full queue")
	}

	close(c.release)
	go func() {
		for range c.entered {
		}
	}()
	testutil.WaitForCondition(t, func() bool { return len(sink.all()) == 2 }, 2*time.Second, "queued frames pushed")
	in.Stop()

	st := in.Stats()
	if st.Dropped != 1 || st.Ingested != 2 {
		t.Errorf("stats = %+v", st)
	}
	recs := sink.all()
	if recs[0].Seq != 0 || recs[1].Seq != 1 {
		t.Errorf("seqs = %d,%d", recs[0].Seq, recs[1].Seq)
	}
}

func TestCompressFailureIsNotFatal(t *testing.T) {
	sink := &collector{}
	in := New(sink, &stubCodec{failOn: map[int]bool{1: true}}, Options{})
	in.Start()

	for i := 0; i < 3; i++ {
		_ = in.Ingest(frame(byte(i)), 0)
		testutil.WaitForCondition(t, func() bool {
			st := in.Stats()
			return st.Ingested+st.CompressFailed == uint64(i+1)
		}, 2*time.Second, "frame processed")
	}
	in.Stop()

	recs := sink.all()
	if len(recs) != 2 || recs[0].Seq != 0 || recs[1].Seq != 2 {
		t.Fatalf("unexpected records: %d", len(recs))
	}
	if got := in.Stats().CompressFailed; got != 1 {
		t.Errorf("CompressFailed = %d, want 1", got)
	}
}

func TestIngestAfterStop(t *testing.T) {
	in := New(&collector{}, &stubCodec{}, Options{})
	in.Start()
	in.Stop()
	in.Stop()
	if err := in.Ingest(frame(0), 0); !errors.Is(err, ErrStopped) {
		t.Fatalf("want ErrStopped, got %v", err)
	}
}

func TestIntoFrameStore(t *testing.T) {
	store, _ := framestore.New(5)
	jpeg := codec.NewJPEG(80)
	in := New(store, jpeg, Options{QueueDepth: 16, FPS: 90})
	in.Start()

	for i := 0; i < 8; i++ {
		if err := in.Ingest(testutil.GradientFrame(8, 8, i), 0); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	testutil.WaitForCondition(t, func() bool { return in.Stats().Ingested == 8 }, 2*time.Second, "frames compressed")
	in.Stop()

	snap := store.Snapshot()
	if len(snap) != 5 || snap[0].Seq != 3 || snap[4].Seq != 7 {
		t.Fatalf("unexpected snapshot of %d records", len(snap))
	}
	if snap[0].Width != 8 || snap[0].Height != 8 {
		t.Errorf("dimensions = %dx%d", snap[0].Width, snap[0].Height)
	}
	raw, err := jpeg.Decompress(snap[4].Payload)
	if err != nil {
		t.Fatalf("Decompress newest: %v", err)
	}
	if raw.Width != 8 || raw.Height != 8 || len(raw.Pix) != 8*8*4 {
		t.Errorf("decoded frame = %dx%d with %d bytes", raw.Width, raw.Height, len(raw.Pix))
	}
}
