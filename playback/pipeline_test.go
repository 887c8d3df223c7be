package playback

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSynth replays scripted chunks with an optional per-chunk delay.
type fakeSynth struct {
	chunks [][]byte
	delay  time.Duration
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, _ VoiceSettings) (<-chan []byte, error) {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			if f.delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(f.delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- c:
			}
		}
	}()
	return out, nil
}

// recorder captures delivered frames.
type recorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorder) send(pcm []byte, sampleRate int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.frames = append(r.frames, cp)
}

func (r *recorder) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestClipPlaysAndDrains(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := NewPipeline(nil, rec.send, nil, nil)

	// One full frame plus a partial tail: two deliveries.
	pcm := bytes.Repeat([]byte{7}, frameBytes+256)
	p.Play(Request{Kind: KindClip, PCM: pcm, DurationMS: 1500})

	waitFor(t, 5*time.Second, p.Drained)

	frames := rec.snapshot()
	if len(frames) != 2 {
		t.Fatalf("deliveries: got %d, want 2", len(frames))
	}
	if len(frames[0]) != frameBytes {
		t.Errorf("first frame: got %d bytes, want %d", len(frames[0]), frameBytes)
	}
	if len(frames[1]) != 256 {
		t.Errorf("trailing frame: got %d bytes, want 256", len(frames[1]))
	}
	p.Stop()
}

func TestTTSTrailingPartialFrame(t *testing.T) {
	t.Parallel()

	synth := &fakeSynth{chunks: [][]byte{
		bytes.Repeat([]byte{1}, frameBytes/2),
		bytes.Repeat([]byte{2}, frameBytes/2),
		bytes.Repeat([]byte{3}, 100),
	}}
	rec := &recorder{}
	p := NewPipeline(synth, rec.send, nil, nil)

	p.Play(Request{Kind: KindTextToSpeech, Text: "hello"})
	waitFor(t, 5*time.Second, p.Drained)

	frames := rec.snapshot()
	if len(frames) != 2 {
		t.Fatalf("deliveries: got %d, want 2", len(frames))
	}
	if len(frames[0]) != frameBytes || len(frames[1]) != 100 {
		t.Errorf("frame sizes: got %d and %d, want %d and 100", len(frames[0]), len(frames[1]), frameBytes)
	}
	p.Stop()
}

func TestPreemptionIsTotal(t *testing.T) {
	t.Parallel()

	// Request A streams slowly and endlessly enough to still be active
	// when B starts. Frames are tagged by value so late deliveries from A
	// are detectable.
	aChunks := make([][]byte, 50)
	for i := range aChunks {
		aChunks[i] = bytes.Repeat([]byte{0xAA}, frameBytes)
	}
	synth := &fakeSynth{chunks: aChunks, delay: 20 * time.Millisecond}

	var afterB atomic.Bool
	var leaked atomic.Int32
	send := func(pcm []byte, _ int) {
		if afterB.Load() && pcm[0] == 0xAA {
			leaked.Add(1)
		}
	}
	p := NewPipeline(synth, send, nil, nil)

	p.Play(Request{Kind: KindTextToSpeech, Text: "a"})
	time.Sleep(100 * time.Millisecond)

	p.Play(Request{Kind: KindClip, PCM: bytes.Repeat([]byte{0xBB}, 64), DurationMS: 10})
	afterB.Store(true)

	waitFor(t, 5*time.Second, p.Drained)
	p.Stop()

	if n := leaked.Load(); n != 0 {
		t.Errorf("frames from preempted request delivered after restart: %d", n)
	}
}

func TestStopIsPromptAndIdempotent(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	p := NewPipeline(nil, rec.send, nil, nil)

	// Enough full frames that playback would take several seconds.
	p.Play(Request{Kind: KindClip, PCM: bytes.Repeat([]byte{9}, 10*frameBytes), DurationMS: 10_000})
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	p.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took %v, want sub-second", elapsed)
	}
	if p.Playing() {
		t.Error("Playing() true after Stop")
	}
	p.Stop() // second call must be a no-op
}

func TestFinishedHeuristicAdvisory(t *testing.T) {
	t.Parallel()

	p := NewPipeline(&fakeSynth{delay: time.Hour, chunks: [][]byte{{1}}}, func([]byte, int) {}, nil, nil)

	p.Play(Request{Kind: KindTextToSpeech, Text: "x"})
	if p.Finished() {
		t.Error("TTS request reported finished immediately; duration bound should be huge")
	}
	p.Stop()

	if p.Finished() {
		t.Error("Finished() with no active request should be false")
	}
}

func TestMonitorFiresCallbackOnce(t *testing.T) {
	t.Parallel()

	var finished atomic.Int32
	rec := &recorder{}
	p := NewPipeline(nil, rec.send, func(Request) { finished.Add(1) }, nil)

	p.Play(Request{Kind: KindClip, PCM: bytes.Repeat([]byte{5}, 64), DurationMS: 1})
	waitFor(t, 5*time.Second, p.Drained)

	p.Monitor()
	p.Monitor()
	if n := finished.Load(); n != 1 {
		t.Errorf("finished callbacks: got %d, want 1", n)
	}
	if p.Playing() {
		t.Error("request still active after Monitor completion")
	}
}
