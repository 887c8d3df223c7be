// Package tts streams synthesized speech from an ElevenLabs-compatible HTTP
// API. It implements the playback pipeline's Synthesizer interface: audio
// arrives as a channel of PCM chunks read straight off the streaming
// response body.
package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/convenehq/convene/playback"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io/v1"
	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
	defaultModelID = "eleven_multilingual_v2"

	// chunkSize is the read size off the streaming body; small enough to
	// keep first-audio latency low.
	chunkSize = 4096

	requestTimeout = 60 * time.Second
)

// Config carries the API settings. Only APIKey is required.
type Config struct {
	APIKey  string
	BaseURL string
	VoiceID string
	ModelID string
}

// Client is a streaming synthesis client.
type Client struct {
	log  *slog.Logger
	http *http.Client
	cfg  Config
}

// Interface guard: the playback pipeline consumes this client directly.
var _ playback.Synthesizer = (*Client)(nil)

// NewClient creates a Client. If log is nil, slog.Default() is used.
func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tts: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = defaultVoiceID
	}
	if cfg.ModelID == "" {
		cfg.ModelID = defaultModelID
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:  log.With("component", "tts"),
		http: &http.Client{Timeout: requestTimeout},
		cfg:  cfg,
	}, nil
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// Synthesize starts a streaming synthesis request and returns a channel of
// PCM chunks. The channel is closed at end of stream or on error; the
// context cancels the stream mid-flight.
func (c *Client) Synthesize(ctx context.Context, text string, voice playback.VoiceSettings) (<-chan []byte, error) {
	voiceID := voice.Voice
	if voiceID == "" {
		voiceID = c.cfg.VoiceID
	}
	payload, err := sonic.Marshal(synthesisRequest{
		Text:    text,
		ModelID: c.cfg.ModelID,
		VoiceSettings: voiceSettings{
			Stability:       voice.Stability,
			SimilarityBoost: voice.Clarity,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tts: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=pcm_%d",
		c.cfg.BaseURL, voiceID, playback.SampleRate)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("tts: API status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		for {
			buf := make([]byte, chunkSize)
			n, err := resp.Body.Read(buf)
			if n > 0 {
				select {
				case <-ctx.Done():
					return
				case out <- buf[:n]:
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					c.log.Warn("stream read failed", "error", err)
				}
				return
			}
		}
	}()
	return out, nil
}
