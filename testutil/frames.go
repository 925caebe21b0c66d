package testutil

import (
	"testing"
	"time"

	"github.com/tiroq/replaybuf/internal/capture"
	"github.com/tiroq/replaybuf/internal/codec"
	"github.com/tiroq/replaybuf/internal/framestore"
)

// GradientFrame returns a w×h RGBA frame whose colours shift with phase.
func GradientFrame(w, h, phase int) codec.RawFrame {
	return capture.Gradient(w, h, phase)
}

// MakeRecords compresses n gradient frames with c and returns records with
// consecutive Seq values and capture times interval apart.
func MakeRecords(t *testing.T, c codec.Codec, n, w, h int, interval time.Duration) []*framestore.FrameRecord {
	t.Helper()
	out := make([]*framestore.FrameRecord, n)
	for i := range out {
		raw := GradientFrame(w, h, i)
		payload, err := c.Compress(raw)
		if err != nil {
			t.Fatalf("compress frame %d: %v", i, err)
		}
		out[i] = framestore.NewRecord(uint64(i), time.Duration(i)*interval+time.Second, 0, w, h, payload)
	}
	return out
}

// FillStore pushes records into s.
func FillStore(s interface{ Push(*framestore.FrameRecord) }, records []*framestore.FrameRecord) {
	for _, r := range records {
		s.Push(r)
	}
}
