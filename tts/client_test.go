package tts

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/convenehq/convene/playback"
)

func collect(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out.Bytes()
			}
			out.Write(chunk)
		case <-deadline:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

func TestSynthesizeStreams(t *testing.T) {
	t.Parallel()

	pcm := bytes.Repeat([]byte{0x01, 0x02}, 9000)
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		body, _ := io.ReadAll(r.Body)
		if !bytes.Contains(body, []byte(`"hello there"`)) {
			t.Errorf("request body missing text: %s", body)
		}
		w.Write(pcm)
	}))
	defer srv.Close()

	c, err := NewClient(Config{APIKey: "key-1", BaseURL: srv.URL, VoiceID: "voice-a"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ch, err := c.Synthesize(context.Background(), "hello there", playback.VoiceSettings{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	got := collect(t, ch)
	if !bytes.Equal(got, pcm) {
		t.Fatalf("streamed %d bytes, want %d", len(got), len(pcm))
	}
	if want := "/text-to-speech/voice-a/stream"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if gotKey != "key-1" {
		t.Errorf("api key header = %q, want %q", gotKey, "key-1")
	}
}

func TestSynthesizeVoiceOverride(t *testing.T) {
	t.Parallel()

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	c, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL, VoiceID: "default-voice"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ch, err := c.Synthesize(context.Background(), "x", playback.VoiceSettings{Voice: "other-voice"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	collect(t, ch)
	if want := "/text-to-speech/other-voice/stream"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
}

func TestSynthesizeAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Synthesize(context.Background(), "x", playback.VoiceSettings{}); err == nil {
		t.Fatal("Synthesize returned nil error for status 429")
	}
}

func TestSynthesizeCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0xFF}, chunkSize))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Synthesize(ctx, "x", playback.VoiceSettings{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	cancel()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream not closed after cancel")
		}
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{}, nil); err == nil {
		t.Fatal("NewClient accepted empty API key")
	}
}

func TestDefaultsApplied(t *testing.T) {
	t.Parallel()

	c, err := NewClient(Config{APIKey: "k"}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.cfg.BaseURL != defaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", c.cfg.BaseURL, defaultBaseURL)
	}
	if c.cfg.VoiceID != defaultVoiceID {
		t.Errorf("VoiceID = %q, want %q", c.cfg.VoiceID, defaultVoiceID)
	}
	if c.cfg.ModelID != defaultModelID {
		t.Errorf("ModelID = %q, want %q", c.cfg.ModelID, defaultModelID)
	}
}
