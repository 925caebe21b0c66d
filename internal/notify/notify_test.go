package notify

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Notify(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func TestMultiIsolatesPanics(t *testing.T) {
	first, last := &recordingSink{}, &recordingSink{}
	m := NewMulti(nil, first, Func(func(Event) { panic("bad sink") }))
	m.Add(last)

	m.Notify(Event{Kind: KindStarted, JobID: "a"})
	if len(first.events) != 1 || len(last.events) != 1 {
		t.Fatalf("deliveries: first=%d last=%d", len(first.events), len(last.events))
	}
	if m.Len() != 3 {
		t.Errorf("Len = %d", m.Len())
	}
}

func TestLogSinkWritesText(t *testing.T) {
	var buf bytes.Buffer
	s := NewLog(log.New(&buf, "", 0), nil)
	s.Notify(Event{Kind: KindStarted, JobID: "j1", Path: "/tmp/clip.qsp"})
	s.Notify(Event{Kind: KindFailed, JobID: "j1", Class: "storage", Reason: "disk full"})

	out := buf.String()
	for _, want := range []string{"job j1 started", "failed: storage: disk full"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

type fakeVibrator struct{ played []HapticParams }

func (f *fakeVibrator) Vibrate(p HapticParams) error {
	f.played = append(f.played, p)
	return nil
}

func TestHapticPatterns(t *testing.T) {
	v := &fakeVibrator{}
	h := NewHaptic(v)
	for _, k := range []Kind{KindStarted, KindSucceeded, KindFailed, Kind("other")} {
		h.Notify(Event{Kind: k})
	}
	want := []HapticParams{HapticClick, HapticSuccess, HapticError}
	if len(v.played) != len(want) {
		t.Fatalf("played %d patterns, want %d", len(v.played), len(want))
	}
	for i := range want {
		if v.played[i] != want[i] {
			t.Errorf("pattern %d = %+v, want %+v", i, v.played[i], want[i])
		}
	}
}

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakePublisher struct {
	topics   []string
	payloads [][]byte
	qos      []byte
	token    *fakeToken
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.topics = append(p.topics, topic)
	p.qos = append(p.qos, qos)
	p.payloads = append(p.payloads, payload.([]byte))
	return p.token
}

func TestMQTTPublishesPerKindTopic(t *testing.T) {
	pub := &fakePublisher{token: &fakeToken{}}
	m := NewMQTT(pub, MQTTConfig{Topic: "vr/replay/", QoS: 1}, nil)

	m.Notify(Event{Kind: KindSucceeded, JobID: "j", Path: "/clips/clip.qsp", Partial: true})

	if len(pub.topics) != 1 || pub.topics[0] != "vr/replay/succeeded" {
		t.Fatalf("topics = %v", pub.topics)
	}
	if pub.qos[0] != 1 {
		t.Errorf("qos = %d", pub.qos[0])
	}
	if !bytes.Contains(pub.payloads[0], []byte(`"partial":true`)) {
		t.Errorf("payload = %s", pub.payloads[0])
	}
	if ok, failed := m.Stats(); ok != 1 || failed != 0 {
		t.Errorf("stats = %d/%d", ok, failed)
	}
}

func TestMQTTCountsFailures(t *testing.T) {
	tests := []struct {
		name  string
		token *fakeToken
	}{
		{"timeout", &fakeToken{timeout: true}},
		{"error", &fakeToken{err: errors.New("not connected")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMQTT(&fakePublisher{token: tt.token}, MQTTConfig{}, nil)
			m.Notify(Event{Kind: KindFailed})
			if _, failed := m.Stats(); failed != 1 {
				t.Errorf("failed = %d", failed)
			}
			if got := m.Topic(KindFailed); got != "replaybuf/saves/failed" {
				t.Errorf("default topic = %q", got)
			}
		})
	}
}

func TestDialMQTTRequiresBroker(t *testing.T) {
	if _, err := DialMQTT(MQTTConfig{}, nil); err == nil {
		t.Fatal("expected error without broker")
	}
}
