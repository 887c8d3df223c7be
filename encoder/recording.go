package encoder

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// RecordingConfig describes a screen+audio capture job.
type RecordingConfig struct {
	Binary        string
	DisplaySource string // e.g. ":0.0" for x11grab
	AudioSource   string // pulse source, e.g. "default"
	OutputPath    string
	Width         int
	Height        int
	Framerate     int

	// Args, when set, replaces the generated argument list entirely.
	Args []string
}

// Recording captures the bot's display and call audio into a container file.
// Stop terminates gracefully and guarantees the output path exists
// afterward, even if empty; a Repair pass is expected to follow.
type Recording struct {
	log *slog.Logger
	cfg RecordingConfig

	mu     sync.Mutex
	state  jobState
	cmd    *exec.Cmd
	waitCh chan error
}

// NewRecording creates a recording job. If log is nil, slog.Default() is
// used.
func NewRecording(cfg RecordingConfig, log *slog.Logger) *Recording {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Framerate == 0 {
		cfg.Framerate = 30
	}
	return &Recording{log: log.With("component", "recording"), cfg: cfg}
}

func (r *Recording) args() []string {
	if r.cfg.Args != nil {
		return r.cfg.Args
	}
	return []string{
		"-y",
		"-thread_queue_size", "4096",
		"-framerate", fmt.Sprintf("%d", r.cfg.Framerate),
		"-video_size", fmt.Sprintf("%dx%d", r.cfg.Width, r.cfg.Height),
		"-f", "x11grab",
		"-draw_mouse", "0",
		"-i", r.cfg.DisplaySource,
		"-thread_queue_size", "4096",
		"-f", "pulse",
		"-i", r.cfg.AudioSource,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-strict", "experimental",
		"-b:a", "128k",
		r.cfg.OutputPath,
	}
}

// Start launches the capture process.
func (r *Recording) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateRunning {
		return fmt.Errorf("encoder: recording already running")
	}

	cmd := exec.Command(binaryOr(r.cfg.Binary), r.args()...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("encoder: start recording: %w", err)
	}

	r.cmd = cmd
	r.state = stateRunning
	r.waitCh = make(chan error, 1)
	go func() { r.waitCh <- cmd.Wait() }()

	r.log.Info("recording started",
		"pid", cmd.Process.Pid,
		"display", r.cfg.DisplaySource,
		"output", r.cfg.OutputPath)
	return nil
}

// Running reports whether the capture process is live.
func (r *Recording) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateRunning
}

// Stop terminates the capture gracefully, force-killing only if the process
// does not exit within the shutdown bound. After stop, a missing output
// file is replaced with an empty placeholder so downstream readers never
// see ENOENT. Stop is idempotent.
func (r *Recording) Stop() {
	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return
	}
	r.state = stateStopping
	cmd, waitCh := r.cmd, r.waitCh
	r.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		r.log.Warn("terminate failed", "error", err)
	}
	select {
	case <-waitCh:
	case <-time.After(termWait):
		r.log.Warn("recording did not exit, killing", "pid", cmd.Process.Pid)
		cmd.Process.Kill()
		<-waitCh
	}

	r.mu.Lock()
	r.state = stateStopped
	r.cmd = nil
	r.mu.Unlock()

	r.ensureOutputExists()
	r.log.Info("recording stopped", "output", r.cfg.OutputPath)
}

func (r *Recording) ensureOutputExists() {
	if _, err := os.Stat(r.cfg.OutputPath); os.IsNotExist(err) {
		r.log.Info("recording produced no file, creating empty placeholder", "path", r.cfg.OutputPath)
		if err := os.WriteFile(r.cfg.OutputPath, nil, 0o644); err != nil {
			r.log.Error("placeholder create failed", "path", r.cfg.OutputPath, "error", err)
		}
	}
}
