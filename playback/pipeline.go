// Package playback turns a queued "speak this text" or "play this clip"
// request into paced outbound audio. A producer goroutine frames PCM into
// one-second chunks on a bounded channel; a consumer goroutine delivers each
// chunk to the call's outbound-audio callback at roughly real-time rate. At
// most one request is active; starting another preempts the current one
// completely.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SampleRate is the pipeline's fixed output rate: 16-bit mono PCM.
const (
	SampleRate     = 44100
	bytesPerSample = 2

	// frameBytes is one second of output audio, the unit the consumer
	// delivers and paces on.
	frameBytes = SampleRate * bytesPerSample

	// framePacing is slightly under the one-second nominal frame duration
	// so delivery stays a little ahead of playback.
	framePacing = 900 * time.Millisecond

	// frameBufferDepth bounds the channel between producer and consumer.
	frameBufferDepth = 8

	// ttsDurationBoundMS is the advisory duration for text-to-speech
	// requests, whose real length is unknown up front. Deliberately huge:
	// completion for TTS is driven by the drained signal, not this bound.
	ttsDurationBoundMS = 10_000_000
)

// Kind selects the source of a request's audio.
type Kind int

// Request kinds.
const (
	KindTextToSpeech Kind = iota
	KindClip
)

// VoiceSettings is passed through to the synthesizer untouched.
type VoiceSettings struct {
	Voice     string
	Stability float64
	Clarity   float64
}

// Synthesizer streams synthesized PCM for a piece of text. The returned
// channel is closed by the synthesizer at end of stream.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice VoiceSettings) (<-chan []byte, error)
}

// Request describes one unit of outbound audio. TextToSpeech requests carry
// Text and Voice; Clip requests carry pre-decoded PCM and its known
// duration.
type Request struct {
	Kind       Kind
	Text       string
	Voice      VoiceSettings
	PCM        []byte
	DurationMS int64
}

// SendFunc delivers one PCM chunk to the call.
type SendFunc func(pcm []byte, sampleRate int)

// Pipeline owns the producer/consumer pair for the session's outbound
// audio.
type Pipeline struct {
	log        *slog.Logger
	synth      Synthesizer
	sendAudio  SendFunc
	onFinished func(Request)

	// generation invalidates frames from preempted requests: the consumer
	// re-checks it before every delivery.
	generation atomic.Int64

	mu      sync.Mutex
	current *active
}

// active is the state of one in-flight request.
type active struct {
	req       Request
	gen       int64
	startedAt time.Time
	duration  int64 // advisory, milliseconds
	cancel    context.CancelFunc
	frames    chan []byte
	drained   chan struct{}
	wg        sync.WaitGroup
	notified  bool
}

// NewPipeline creates a Pipeline. onFinished may be nil; it is invoked by
// Monitor when a request completes. If log is nil, slog.Default() is used.
func NewPipeline(synth Synthesizer, sendAudio SendFunc, onFinished func(Request), log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:        log.With("component", "playback"),
		synth:      synth,
		sendAudio:  sendAudio,
		onFinished: onFinished,
	}
}

// Play starts a request, preempting any request already playing. No frame of
// the preempted request is delivered after Play returns.
func (p *Pipeline) Play(req Request) {
	p.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	a := &active{
		req:       req,
		gen:       p.generation.Add(1),
		startedAt: time.Now(),
		cancel:    cancel,
		frames:    make(chan []byte, frameBufferDepth),
		drained:   make(chan struct{}),
	}
	switch req.Kind {
	case KindClip:
		a.duration = req.DurationMS
	default:
		a.duration = ttsDurationBoundMS
	}

	p.mu.Lock()
	p.current = a
	p.mu.Unlock()

	a.wg.Add(2)
	go p.produce(ctx, a)
	go p.consume(ctx, a)
}

// produce frames the request's audio onto a.frames and closes the channel
// as the end-of-stream sentinel.
func (p *Pipeline) produce(ctx context.Context, a *active) {
	defer a.wg.Done()
	defer close(a.frames)

	switch a.req.Kind {
	case KindClip:
		p.produceClip(ctx, a)
	case KindTextToSpeech:
		p.produceTTS(ctx, a)
	}
}

func (p *Pipeline) produceClip(ctx context.Context, a *active) {
	pcm := a.req.PCM
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if !send(ctx, a.frames, pcm[off:end]) {
			return
		}
	}
}

func (p *Pipeline) produceTTS(ctx context.Context, a *active) {
	if p.synth == nil {
		p.log.Error("no synthesizer configured, dropping speech request")
		return
	}
	stream, err := p.synth.Synthesize(ctx, a.req.Text, a.req.Voice)
	if err != nil {
		p.log.Error("synthesis failed", "error", err)
		return
	}

	var pending []byte
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-stream:
			if !ok {
				// Trailing partial frame goes out as-is.
				if len(pending) > 0 {
					send(ctx, a.frames, pending)
				}
				return
			}
			pending = append(pending, chunk...)
			for len(pending) >= frameBytes {
				frame := pending[:frameBytes]
				if !send(ctx, a.frames, frame) {
					return
				}
				pending = pending[frameBytes:]
			}
		}
	}
}

func send(ctx context.Context, frames chan<- []byte, frame []byte) bool {
	select {
	case <-ctx.Done():
		return false
	case frames <- frame:
		return true
	}
}

// consume delivers frames to the outbound callback, pacing to roughly the
// nominal frame duration. It closes a.drained when the producer's sentinel
// is reached, which is the authoritative completion signal.
func (p *Pipeline) consume(ctx context.Context, a *active) {
	defer a.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-a.frames:
			if !ok {
				close(a.drained)
				return
			}
			// A preempted request's consumer must never deliver, even
			// if its cancellation raced with the dequeue.
			if a.gen != p.generation.Load() {
				return
			}
			p.sendAudio(frame, SampleRate)

			pace := framePacing * time.Duration(len(frame)) / frameBytes
			timer.Reset(pace)
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
	}
}

// Stop cancels the active request, if any, and joins both of its goroutines
// before returning. Safe to call when idle and idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	a := p.current
	p.current = nil
	p.mu.Unlock()
	if a == nil {
		return
	}

	a.cancel()
	// Unblock a producer waiting on a full channel.
	for range a.frames {
	}
	a.wg.Wait()
}

// Playing reports whether a request is currently active.
func (p *Pipeline) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Finished is the advisory elapsed-time heuristic: true once the active
// request has been playing longer than its declared duration. For
// text-to-speech requests the duration is a deliberately large bound, so
// prefer Drained for real completion.
func (p *Pipeline) Finished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return false
	}
	elapsed := time.Since(p.current.startedAt).Milliseconds()
	return elapsed > p.current.duration
}

// Drained reports whether the active request's consumer has passed the
// end-of-stream sentinel.
func (p *Pipeline) Drained() bool {
	p.mu.Lock()
	a := p.current
	p.mu.Unlock()
	if a == nil {
		return false
	}
	select {
	case <-a.drained:
		return true
	default:
		return false
	}
}

// Monitor checks the active request for completion, and on the first
// completed check stops it and fires the finished callback. The owner polls
// this from its event loop.
func (p *Pipeline) Monitor() {
	p.mu.Lock()
	a := p.current
	done := false
	if a != nil && !a.notified {
		select {
		case <-a.drained:
			done = true
		default:
			done = time.Since(a.startedAt).Milliseconds() > a.duration
		}
		if done {
			a.notified = true
		}
	}
	p.mu.Unlock()

	if !done {
		return
	}
	p.Stop()
	if p.onFinished != nil {
		p.onFinished(a.req)
	}
}
