package encoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// RelayConfig describes a live relay job: a continuous WebM byte stream fed
// to the job's stdin, transcoded to FLV and pushed to the remote endpoint.
type RelayConfig struct {
	Binary      string
	EndpointURL string

	// Args, when set, replaces the generated argument list entirely.
	Args []string
}

// Relay is the live-output job. Writes go to the child's stdin; failure of
// any single write (broken pipe, process exit, I/O error) marks the job
// not-running and is returned to the caller, which owns the retry-or-abort
// decision. The supervisor never restarts the job itself.
type Relay struct {
	log *slog.Logger
	cfg RelayConfig

	mu         sync.Mutex
	state      jobState
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	waitCh     chan error
	stderrDone chan struct{}
}

// NewRelay creates a relay job. If log is nil, slog.Default() is used.
func NewRelay(cfg RelayConfig, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{log: log.With("component", "relay"), cfg: cfg}
}

func (r *Relay) args() []string {
	if r.cfg.Args != nil {
		return r.cfg.Args
	}
	return []string{
		"-y",
		"-f", "webm",
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-pix_fmt", "yuv420p",
		"-r", "30",
		"-g", "60",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-f", "flv",
		r.cfg.EndpointURL,
	}
}

// Start launches the relay process. Any previous instance is fully stopped
// first, so repeated starts cannot leak process handles.
func (r *Relay) Start() error {
	r.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	cmd := exec.Command(binaryOr(r.cfg.Binary), r.args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("encoder: relay stdin: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("encoder: relay stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("encoder: start relay: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.state = stateRunning
	r.waitCh = make(chan error, 1)
	r.stderrDone = make(chan struct{})

	go func() { r.waitCh <- cmd.Wait() }()
	// The OS pipe buffer is small; an undrained stderr would eventually
	// stall the encoder, so this runs for the process's whole lifetime.
	go r.drainStderr(stderr, r.stderrDone)

	r.log.Info("relay started", "pid", cmd.Process.Pid, "endpoint", r.cfg.EndpointURL)
	return nil
}

func (r *Relay) drainStderr(stderr io.Reader, done chan struct{}) {
	defer close(done)
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		r.log.Info("encoder output", "line", sc.Text())
	}
}

// Running reports whether the relay accepts writes.
func (r *Relay) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateRunning
}

// Write feeds one buffer of stream data to the encoder's stdin. It returns
// false once the job has failed or stopped; after the first failure no
// further write against the dead pipe is attempted.
func (r *Relay) Write(data []byte) bool {
	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()
		return false
	}
	stdin, waitCh := r.stdin, r.waitCh
	r.mu.Unlock()

	// The write itself runs outside the lock: a stalled encoder with a
	// full pipe must not hold the mutex against Stop. A concurrent Stop
	// closes stdin, which fails this write immediately.
	if _, err := stdin.Write(data); err != nil {
		switch {
		case errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrClosedPipe):
			r.log.Error("relay pipe broken, stream may have failed", "error", err)
		default:
			r.log.Error("relay write failed", "error", err)
		}
		r.markFailed()
		return false
	}

	// A clean write into a pipe whose process has already exited still
	// counts as failure.
	select {
	case err := <-waitCh:
		r.log.Error("relay process exited", "error", err)
		waitCh <- err
		r.markFailed()
		return false
	default:
	}
	return true
}

// markFailed latches the job dead after a write failure. Stop owns the
// transition to idle, so a job it has already taken over is left alone.
func (r *Relay) markFailed() {
	r.mu.Lock()
	if r.state == stateRunning {
		r.state = stateStopped
	}
	r.mu.Unlock()
}

// Stop ends the relay: stdin is closed to signal end-of-stream, the process
// is terminated gracefully, and force-killed only after the shutdown bound.
// The stderr drain goroutine is joined with its own bound so a wedged reader
// cannot hang shutdown. Stop is idempotent.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.cmd == nil || r.state == stateIdle {
		r.mu.Unlock()
		return
	}
	cmd, stdin, waitCh, stderrDone := r.cmd, r.stdin, r.waitCh, r.stderrDone
	r.cmd = nil
	r.state = stateIdle
	r.mu.Unlock()

	stdin.Close()
	exited := false
	select {
	case <-waitCh:
		exited = true
	case <-time.After(stdinGrace):
	}

	if !exited {
		cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitCh:
		case <-time.After(termWait):
			r.log.Warn("relay did not exit, killing", "pid", cmd.Process.Pid)
			cmd.Process.Kill()
			<-waitCh
		}
	}

	select {
	case <-stderrDone:
	case <-time.After(drainJoinWait):
		r.log.Warn("stderr drain did not finish in time")
	}
	r.log.Info("relay stopped")
}
