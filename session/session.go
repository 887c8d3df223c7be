// Package session drives one bot's lifetime in one call: it owns the
// ingestion server, the audio output pipeline, and the encoder jobs, and
// walks the Joining -> InCall -> Leaving -> Ended state machine around them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/convenehq/convene/encoder"
	"github.com/convenehq/convene/ingest"
	"github.com/convenehq/convene/media"
	"github.com/convenehq/convene/playback"
	"github.com/convenehq/convene/wire"
)

// State is the session lifecycle position. Ended is terminal.
type State int32

// Session states.
const (
	StateJoining State = iota
	StateInCall
	StateLeaving
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateInCall:
		return "in_call"
	case StateLeaving:
		return "leaving"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrJoinFailed wraps any failure during the Joining phase; the session is
// already Ended when it is returned.
var ErrJoinFailed = errors.New("session: join failed")

// Automator is the browser-automation collaborator that performs UI actions
// in the meeting page. Join blocks until the bot is in the call or fails;
// both it and Leave honor their context deadline.
type Automator interface {
	Join(ctx context.Context, ingestPort int) error
	Leave(ctx context.Context) error
	GrantPermissions(ctx context.Context) error
	SendOutboundAudio(pcm []byte, sampleRate int)
	WantsVideoFrames() bool
}

// Callbacks are the events this core produces for the surrounding layers
// (dashboard, webhooks). Any field may be nil.
type Callbacks struct {
	OnVideoFrame           func(f *media.VideoFrame)
	OnAudioChunk           func(c *media.AudioChunk)
	OnCaptionUpdated       func(c media.Caption)
	OnChatMessage          func(m media.ChatMessage)
	OnParticipantUpserted  func(p media.Participant)
	OnAudioRequestFinished func(req playback.Request)
	OnEnded                func(reason string)
}

// Config carries everything a session needs to run one call.
type Config struct {
	// Ingestion socket: first port to try and how many consecutive ports
	// to attempt before the join fails.
	BasePort     int
	BindAttempts int

	// Resolution delivered video frames are scaled to.
	OutputWidth  int
	OutputHeight int

	JoinTimeout  time.Duration
	LeaveTimeout time.Duration

	// Leave drain: teardown waits until no ingestion message has arrived
	// for DrainQuiet, giving up after DrainMax.
	DrainQuiet time.Duration
	DrainMax   time.Duration

	// Encoder job settings.
	EncoderBinary string
	RecordingPath string
	DisplaySource string
	AudioSource   string

	Synthesizer playback.Synthesizer
}

func (c *Config) applyDefaults() {
	if c.BindAttempts == 0 {
		c.BindAttempts = 10
	}
	if c.OutputWidth == 0 {
		c.OutputWidth, c.OutputHeight = 1920, 1080
	}
	if c.JoinTimeout == 0 {
		c.JoinTimeout = 2 * time.Minute
	}
	if c.LeaveTimeout == 0 {
		c.LeaveTimeout = 30 * time.Second
	}
	if c.DrainQuiet == 0 {
		c.DrainQuiet = 2 * time.Second
	}
	if c.DrainMax == 0 {
		c.DrainMax = 15 * time.Second
	}
}

// Session is one bot in one call.
type Session struct {
	ID string

	log       *slog.Logger
	cfg       Config
	automator Automator
	cb        Callbacks

	state atomic.Int32

	ingestServer *ingest.Server
	audio        *playback.Pipeline
	recording    *encoder.Recording
	relay        *encoder.Relay
	directory    *Directory

	ingestCancel context.CancelFunc
	ingestDone   chan struct{}

	leaving sync.Once
	endOnce sync.Once
}

// New creates a session in the Joining state. If log is nil, slog.Default()
// is used.
func New(cfg Config, automator Automator, cb Callbacks, log *slog.Logger) *Session {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		ID:        uuid.NewString(),
		cfg:       cfg,
		automator: automator,
		cb:        cb,
	}
	s.log = log.With("component", "session", "session", s.ID)
	s.directory = NewDirectory(cb.OnParticipantUpserted, cb.OnChatMessage, cb.OnCaptionUpdated)
	s.ingestServer = ingest.NewServer(s, cfg.OutputWidth, cfg.OutputHeight, s.log)
	s.audio = playback.NewPipeline(cfg.Synthesizer, automator.SendOutboundAudio, cb.OnAudioRequestFinished, s.log)
	s.state.Store(int32(StateJoining))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Directory exposes the session's collaboration metadata store.
func (s *Session) Directory() *Directory {
	return s.directory
}

// IngestPort returns the bound ingestion port, valid once Join has started
// the server.
func (s *Session) IngestPort() int {
	return s.ingestServer.Port()
}

// Join brings up ingestion and hands the UI join flow to the automator. On
// success the session is InCall; on any failure it moves straight to Ended
// without ever being InCall, and the returned error wraps ErrJoinFailed.
func (s *Session) Join(ctx context.Context) error {
	if State(s.state.Load()) != StateJoining {
		return fmt.Errorf("session: Join in state %s", s.State())
	}

	if err := s.ingestServer.Bind(s.cfg.BasePort, s.cfg.BindAttempts); err != nil {
		s.end("ingest bind: " + err.Error())
		return fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}

	ingestCtx, cancel := context.WithCancel(context.Background())
	s.ingestCancel = cancel
	s.ingestDone = make(chan struct{})
	go func() {
		defer close(s.ingestDone)
		if err := s.ingestServer.Start(ingestCtx); err != nil {
			s.log.Error("ingest server stopped", "error", err)
		}
	}()

	joinCtx, cancelJoin := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancelJoin()
	if err := s.automator.Join(joinCtx, s.ingestServer.Port()); err != nil {
		s.end("join: " + err.Error())
		return fmt.Errorf("%w: %v", ErrJoinFailed, err)
	}

	s.state.Store(int32(StateInCall))
	s.log.Info("joined call", "ingest_port", s.ingestServer.Port())
	return nil
}

// Leave runs the teardown sequence. It is idempotent: the second and later
// calls return immediately. Every step is best-effort; errors are logged
// and the sequence continues.
func (s *Session) Leave(ctx context.Context) {
	first := false
	s.leaving.Do(func() { first = true })
	if !first {
		return
	}
	if State(s.state.Load()) == StateEnded {
		return
	}
	s.state.Store(int32(StateLeaving))
	s.log.Info("leaving call")

	if err := s.ingestServer.SendJSON(ingest.Envelope{Type: "StopMediaSending"}); err != nil {
		s.log.Warn("stop-media request failed", "error", err)
	}

	leaveCtx, cancel := context.WithTimeout(ctx, s.cfg.LeaveTimeout)
	if err := s.automator.Leave(leaveCtx); err != nil {
		s.log.Warn("leave UI flow failed", "error", err)
	}
	cancel()

	// Wait for the stream to go quiet so in-flight frames are not
	// discarded with the browser session.
	s.waitForIngestQuiet()

	s.end("left")
}

// waitForIngestQuiet blocks until no ingestion message has arrived for the
// configured quiet period, bounded by the drain window.
func (s *Session) waitForIngestQuiet() {
	deadline := time.Now().Add(s.cfg.DrainMax)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		last := s.ingestServer.LastMessageAt()
		if last.IsZero() || time.Since(last) >= s.cfg.DrainQuiet {
			return
		}
		if time.Now().After(deadline) {
			s.log.Warn("drain window elapsed with traffic still arriving")
			return
		}
		<-ticker.C
	}
}

// end stops every owned resource exactly once and moves to Ended.
func (s *Session) end(reason string) {
	s.endOnce.Do(func() {
		s.audio.Stop()
		if s.relay != nil {
			s.relay.Stop()
		}
		if s.recording != nil {
			s.recording.Stop()
		}
		if s.ingestCancel != nil {
			s.ingestCancel()
		}
		s.ingestServer.Close()
		if s.ingestDone != nil {
			<-s.ingestDone
		}
		s.state.Store(int32(StateEnded))
		s.log.Info("session ended", "reason", reason)
		if s.cb.OnEnded != nil {
			s.cb.OnEnded(reason)
		}
	})
}

// StartRecording launches the screen+audio capture job.
func (s *Session) StartRecording() error {
	if State(s.state.Load()) != StateInCall {
		return fmt.Errorf("session: StartRecording in state %s", s.State())
	}
	if s.recording == nil {
		s.recording = encoder.NewRecording(encoder.RecordingConfig{
			Binary:        s.cfg.EncoderBinary,
			DisplaySource: s.cfg.DisplaySource,
			AudioSource:   s.cfg.AudioSource,
			OutputPath:    s.cfg.RecordingPath,
			Width:         s.cfg.OutputWidth,
			Height:        s.cfg.OutputHeight,
		}, s.log)
	}
	return s.recording.Start()
}

// StopRecording stops the capture job and runs the fast-start repair pass
// over the output file.
func (s *Session) StopRecording(ctx context.Context) error {
	if s.recording == nil {
		return nil
	}
	s.recording.Stop()
	return encoder.Repair(ctx, s.cfg.EncoderBinary, s.cfg.RecordingPath, s.log)
}

// StartRelay starts (or restarts) the live relay job toward endpoint.
func (s *Session) StartRelay(endpoint string) error {
	if State(s.state.Load()) != StateInCall {
		return fmt.Errorf("session: StartRelay in state %s", s.State())
	}
	if s.relay != nil {
		s.relay.Stop()
	}
	s.relay = encoder.NewRelay(encoder.RelayConfig{
		Binary:      s.cfg.EncoderBinary,
		EndpointURL: endpoint,
	}, s.log)
	return s.relay.Start()
}

// RelayData feeds captured stream bytes to the relay job. A false return
// means the job has failed or stopped; the caller decides whether to
// restart the relay or abandon it. The call session itself continues.
func (s *Session) RelayData(b []byte) bool {
	if s.relay == nil {
		return false
	}
	return s.relay.Write(b)
}

// StopRelay stops the live relay job if one is running.
func (s *Session) StopRelay() {
	if s.relay != nil {
		s.relay.Stop()
	}
}

// PlaySpeech preempts any playing audio with synthesized speech.
func (s *Session) PlaySpeech(text string, voice playback.VoiceSettings) {
	s.audio.Play(playback.Request{Kind: playback.KindTextToSpeech, Text: text, Voice: voice})
}

// PlayClip decodes a compressed audio clip to PCM and plays it, preempting
// any playing audio.
func (s *Session) PlayClip(ctx context.Context, clip []byte, durationMS int64) error {
	pcm, err := encoder.DecodeToPCM(ctx, s.cfg.EncoderBinary, clip, playback.SampleRate)
	if err != nil {
		return err
	}
	s.audio.Play(playback.Request{Kind: playback.KindClip, PCM: pcm, DurationMS: durationMS})
	return nil
}

// StopAudio stops any playing audio request.
func (s *Session) StopAudio() {
	s.audio.Stop()
}

// MonitorAudio polls the playback pipeline for completion; the owner calls
// this from its periodic loop.
func (s *Session) MonitorAudio() {
	s.audio.Monitor()
}

// OnBotJoined is invoked by the automation layer once the bot is visibly in
// the call; it tells the capture agent to start sending media.
func (s *Session) OnBotJoined() {
	if err := s.ingestServer.SendJSON(ingest.Envelope{Type: "StartMediaSending"}); err != nil {
		s.log.Warn("start-media request failed", "error", err)
	}
}

// OnPermissionGranted is invoked when the host approves the bot's recording
// permission request; the automator then finishes the in-page grant flow
// (dismissing the prompt and enabling capture).
func (s *Session) OnPermissionGranted() {
	s.log.Info("permission granted")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LeaveTimeout)
	defer cancel()
	if err := s.automator.GrantPermissions(ctx); err != nil {
		s.log.Warn("permission grant flow failed", "error", err)
	}
}

// OnMeetingEnded is invoked when the call ends from the far side; it runs
// the normal leave sequence.
func (s *Session) OnMeetingEnded() {
	go s.Leave(context.Background())
}

// ingest.Handler implementation. All five run on the ingestion read loop.

func (s *Session) WantsVideo() bool {
	return s.automator.WantsVideoFrames()
}

func (s *Session) OnVideoFrame(f *media.VideoFrame) {
	if s.cb.OnVideoFrame != nil {
		s.cb.OnVideoFrame(f)
	}
}

func (s *Session) OnAudioChunk(c *media.AudioChunk) {
	if s.cb.OnAudioChunk != nil {
		s.cb.OnAudioChunk(c)
	}
}

func (s *Session) OnCollectionEvent(ev *wire.CollectionEvent) {
	s.directory.ApplyCollectionEvent(ev)
}

func (s *Session) OnCaption(c *media.Caption) {
	s.directory.ApplyCaption(c)
}
