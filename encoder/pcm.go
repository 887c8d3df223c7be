package encoder

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DecodeToPCM decodes a compressed audio clip (MP3 or similar) to 16-bit
// mono little-endian PCM at the given sample rate, using a one-shot decode
// process. The playback pipeline uses this to pre-decode clip requests.
func DecodeToPCM(ctx context.Context, binary string, clip []byte, sampleRate int) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binaryOr(binary),
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(sampleRate),
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(clip)

	var out, diag bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &diag
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("encoder: decode clip: %w: %s", err, strings.TrimSpace(diag.String()))
	}
	return out.Bytes(), nil
}
