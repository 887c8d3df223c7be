package encoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// seekablePath inserts ".seekable" before the extension:
// /tmp/rec.mp4 -> /tmp/rec.seekable.mp4.
func seekablePath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".seekable" + ext
}

// Repair remuxes the recording at path so its seek index sits at the front
// of the container (fast-start), then atomically replaces the original with
// the repaired copy.
//
// A missing input is not an error: an empty placeholder is created so
// downstream readers find a file. A non-zero encoder exit fails the
// operation with the process diagnostics attached and leaves the original
// untouched; a failed replace is reported distinctly via ErrReplace.
func Repair(ctx context.Context, binary, path string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "repair", "path", path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Info("input missing, creating empty file")
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return fmt.Errorf("encoder: create placeholder: %w", err)
		}
		return nil
	}

	out := seekablePath(path)
	cmd := exec.CommandContext(ctx, binaryOr(binary),
		"-i", path,
		"-c", "copy",
		"-movflags", "+faststart",
		"-y",
		out,
	)
	diag, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(out)
		return fmt.Errorf("encoder: repair remux: %w: %s", err, strings.TrimSpace(string(diag)))
	}

	if err := os.Rename(out, path); err != nil {
		os.Remove(out)
		return fmt.Errorf("%w: %v", ErrReplace, err)
	}
	log.Info("repair complete")
	return nil
}
