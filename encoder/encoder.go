// Package encoder supervises the external encoder processes the bot drives:
// a screen+audio capture recorder, a one-shot container repair pass, a live
// relay transcoder, and a helper that decodes audio clips to raw PCM. Every
// job wraps an ffmpeg-class child process over stdio. None restarts itself:
// failures are surfaced to the owning session, which decides what to do.
package encoder

import (
	"errors"
	"time"
)

// DefaultBinary is the encoder executable used when a job config leaves
// Binary empty.
const DefaultBinary = "ffmpeg"

// Shutdown bounds shared by the jobs: how long to wait after a graceful
// terminate before force-killing, and how long to wait for the relay's
// stderr drain goroutine to finish on stop.
const (
	termWait      = 5 * time.Second
	stdinGrace    = 2 * time.Second
	drainJoinWait = 2 * time.Second
)

// jobState tracks a job through its lifetime. The enum (rather than a bare
// boolean) is what makes repeated Stop calls and start-over-start safe.
type jobState int32

const (
	stateIdle jobState = iota
	stateRunning
	stateStopping
	stateStopped
)

// ErrReplace reports that a repaired file could not be moved over the
// original; the original is left untouched.
var ErrReplace = errors.New("encoder: replace original with repaired file")

func binaryOr(binary string) string {
	if binary == "" {
		return DefaultBinary
	}
	return binary
}
