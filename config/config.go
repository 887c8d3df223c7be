// Package config loads process configuration from environment variables,
// with `.env` support for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the bot process needs to join and work a call.
type Config struct {
	// MeetingURL is the call the bot joins.
	MeetingURL string

	// Ingestion socket: first port to try and how many consecutive ports
	// to attempt before a join fails.
	BasePort     int
	BindAttempts int

	// Resolution captured video is scaled to before delivery.
	OutputWidth  int
	OutputHeight int

	JoinTimeout  time.Duration
	LeaveTimeout time.Duration

	// Encoder job settings.
	EncoderBinary string
	RecordingPath string
	DisplaySource string
	AudioSource   string
	RelayEndpoint string

	// Text-to-speech backend.
	TTSAPIKey  string
	TTSBaseURL string
	TTSVoiceID string
}

// Load reads configuration from the environment with sane defaults. A
// `.env` file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BasePort:      8765,
		BindAttempts:  10,
		OutputWidth:   1920,
		OutputHeight:  1080,
		JoinTimeout:   2 * time.Minute,
		LeaveTimeout:  30 * time.Second,
		EncoderBinary: "ffmpeg",
		RecordingPath: "recording.mp4",
		DisplaySource: ":0.0",
		AudioSource:   "default",
	}

	var err error
	if cfg.BasePort, err = envInt("BASE_PORT", cfg.BasePort); err != nil {
		return nil, err
	}
	if cfg.BindAttempts, err = envInt("BIND_ATTEMPTS", cfg.BindAttempts); err != nil {
		return nil, err
	}
	if cfg.OutputWidth, err = envInt("OUTPUT_WIDTH", cfg.OutputWidth); err != nil {
		return nil, err
	}
	if cfg.OutputHeight, err = envInt("OUTPUT_HEIGHT", cfg.OutputHeight); err != nil {
		return nil, err
	}
	if cfg.JoinTimeout, err = envDuration("JOIN_TIMEOUT", cfg.JoinTimeout); err != nil {
		return nil, err
	}
	if cfg.LeaveTimeout, err = envDuration("LEAVE_TIMEOUT", cfg.LeaveTimeout); err != nil {
		return nil, err
	}

	cfg.MeetingURL = os.Getenv("MEETING_URL")
	cfg.EncoderBinary = envOr("ENCODER_BINARY", cfg.EncoderBinary)
	cfg.RecordingPath = envOr("RECORDING_PATH", cfg.RecordingPath)
	cfg.DisplaySource = envOr("DISPLAY_SOURCE", cfg.DisplaySource)
	cfg.AudioSource = envOr("AUDIO_SOURCE", cfg.AudioSource)
	cfg.RelayEndpoint = os.Getenv("RELAY_ENDPOINT")

	cfg.TTSAPIKey = os.Getenv("TTS_API_KEY")
	cfg.TTSBaseURL = os.Getenv("TTS_BASE_URL")
	cfg.TTSVoiceID = os.Getenv("TTS_VOICE_ID")

	if cfg.BindAttempts < 1 {
		return nil, fmt.Errorf("BIND_ATTEMPTS must be at least 1")
	}
	if cfg.OutputWidth%2 != 0 || cfg.OutputHeight%2 != 0 {
		return nil, fmt.Errorf("output resolution %dx%d must have even dimensions",
			cfg.OutputWidth, cfg.OutputHeight)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
