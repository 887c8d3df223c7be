package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/convenehq/convene/config"
	"github.com/convenehq/convene/media"
	"github.com/convenehq/convene/playback"
	"github.com/convenehq/convene/session"
	"github.com/convenehq/convene/tts"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	var synth playback.Synthesizer
	if cfg.TTSAPIKey != "" {
		synth, err = tts.NewClient(tts.Config{
			APIKey:  cfg.TTSAPIKey,
			BaseURL: cfg.TTSBaseURL,
			VoiceID: cfg.TTSVoiceID,
		}, nil)
		if err != nil {
			slog.Error("failed to create TTS client", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("TTS_API_KEY not set, speech playback disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, leaving call", "signal", sig)
		cancel()
	}()

	ended := make(chan struct{})
	sess := session.New(session.Config{
		BasePort:      cfg.BasePort,
		BindAttempts:  cfg.BindAttempts,
		OutputWidth:   cfg.OutputWidth,
		OutputHeight:  cfg.OutputHeight,
		JoinTimeout:   cfg.JoinTimeout,
		LeaveTimeout:  cfg.LeaveTimeout,
		EncoderBinary: cfg.EncoderBinary,
		RecordingPath: cfg.RecordingPath,
		DisplaySource: cfg.DisplaySource,
		AudioSource:   cfg.AudioSource,
		Synthesizer:   synth,
	}, &loggingAutomator{url: cfg.MeetingURL}, session.Callbacks{
		OnParticipantUpserted: func(p media.Participant) {
			slog.Info("participant", "device_id", p.DeviceID, "name", p.FullName)
		},
		OnChatMessage: func(m media.ChatMessage) {
			slog.Info("chat", "sender", m.Sender.FullName, "text", m.Text)
		},
		OnEnded: func(reason string) {
			slog.Info("session ended", "reason", reason)
			close(ended)
		},
	}, nil)

	slog.Info("convene starting",
		"version", version,
		"session", sess.ID,
		"meeting_url", cfg.MeetingURL,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sess.Join(ctx); err != nil {
			return err
		}
		if cfg.RecordingPath != "" {
			if err := sess.StartRecording(); err != nil {
				slog.Error("failed to start recording", "error", err)
			}
		}
		if cfg.RelayEndpoint != "" {
			if err := sess.StartRelay(cfg.RelayEndpoint); err != nil {
				slog.Error("failed to start relay", "error", err)
			}
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ended:
				return nil
			case <-ticker.C:
				sess.MonitorAudio()
			}
		}
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			sess.Leave(context.Background())
			<-ended
		case <-ended:
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("session error", "error", err)
		sess.Leave(context.Background())
		os.Exit(1)
	}
}

// loggingAutomator stands in for the browser automation layer. It logs the
// lifecycle calls it receives; a real deployment replaces it with a driver
// for the meeting platform.
type loggingAutomator struct {
	url string
}

func (a *loggingAutomator) Join(ctx context.Context, ingestPort int) error {
	slog.Info("automator join", "url", a.url, "ingest_port", ingestPort)
	return nil
}

func (a *loggingAutomator) Leave(ctx context.Context) error {
	slog.Info("automator leave")
	return nil
}

func (a *loggingAutomator) GrantPermissions(ctx context.Context) error {
	slog.Info("automator grant permissions")
	return nil
}

func (a *loggingAutomator) SendOutboundAudio(pcm []byte, sampleRate int) {
	slog.Debug("outbound audio", "bytes", len(pcm), "sample_rate", sampleRate)
}

func (a *loggingAutomator) WantsVideoFrames() bool { return false }
