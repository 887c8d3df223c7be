package media

import (
	"bytes"
	"testing"
)

// fillI420 returns an I420 buffer with every Y byte set to yVal and every
// chroma byte set to cVal.
func fillI420(w, h int, yVal, cVal byte) []byte {
	buf := make([]byte, I420Size(w, h))
	for i := 0; i < w*h; i++ {
		buf[i] = yVal
	}
	for i := w * h; i < len(buf); i++ {
		buf[i] = cVal
	}
	return buf
}

func TestScaleMatchingAspectLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                   string
		srcW, srcH, dstW, dstH int
	}{
		{"upscale 16:9", 640, 360, 1280, 720},
		{"downscale 16:9", 1920, 1080, 640, 360},
		{"upscale 4:3", 320, 240, 640, 480},
		{"identity", 640, 480, 640, 480},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := fillI420(tt.srcW, tt.srcH, 90, 100)
			got := Scale(src, tt.srcW, tt.srcH, tt.dstW, tt.dstH)
			if want := I420Size(tt.dstW, tt.dstH); len(got) != want {
				t.Errorf("output length: got %d, want %d", len(got), want)
			}
		})
	}
}

func TestScaleUniformContentPreserved(t *testing.T) {
	t.Parallel()

	// A uniform source must stay uniform after bilinear resize.
	src := fillI420(640, 360, 200, 60)
	got := Scale(src, 640, 360, 1280, 720)
	for i, b := range got[:1280*720] {
		if b != 200 {
			t.Fatalf("Y[%d]: got %d, want 200", i, b)
		}
	}
	for i, b := range got[1280*720:] {
		if b != 60 {
			t.Fatalf("chroma[%d]: got %d, want 60", i, b)
		}
	}
}

func TestScaleIdentityCopies(t *testing.T) {
	t.Parallel()

	src := fillI420(64, 48, 33, 77)
	got := Scale(src, 64, 48, 64, 48)
	if !bytes.Equal(got, src) {
		t.Error("identity scale should reproduce the source buffer")
	}
	got[0] = 255
	if src[0] != 33 {
		t.Error("identity scale must not alias the source buffer")
	}
}

func TestScaleMismatchedAspectPadding(t *testing.T) {
	t.Parallel()

	// 4:3 into 16:9 pillarboxes: content is 1440 wide, centered with 240
	// black columns on each side.
	src := fillI420(640, 480, 180, 90)
	got := Scale(src, 640, 480, 1920, 1080)

	if want := 1920 * 1080 * 3 / 2; len(got) != want {
		t.Fatalf("output length: got %d, want %d", len(got), want)
	}

	const (
		scaledW = 1440
		offX    = (1920 - scaledW) / 2
	)
	yPlane := got[:1920*1080]
	for y := 0; y < 1080; y++ {
		row := yPlane[y*1920 : (y+1)*1920]
		for x := 0; x < offX; x++ {
			if row[x] != 0 {
				t.Fatalf("left border Y at (%d,%d): got %d, want 0", x, y, row[x])
			}
			if row[1920-1-x] != 0 {
				t.Fatalf("right border Y at (%d,%d): got %d, want 0", 1920-1-x, y, row[1920-1-x])
			}
		}
		for x := offX; x < offX+scaledW; x++ {
			if row[x] != 180 {
				t.Fatalf("content Y at (%d,%d): got %d, want 180", x, y, row[x])
			}
		}
	}

	// Chroma padding is neutral 128.
	uPlane := got[1920*1080 : 1920*1080+(1920/2)*(1080/2)]
	for y := 0; y < 1080/2; y++ {
		if uPlane[y*(1920/2)] != 128 {
			t.Fatalf("U border at row %d: got %d, want 128", y, uPlane[y*(1920/2)])
		}
	}
}

func TestScaleExtremeAspectClamped(t *testing.T) {
	t.Parallel()

	// Aspect ratios extreme enough to round an inner-fit dimension down to
	// zero must still produce a full-size output instead of dividing by
	// zero during the resize.
	tests := []struct {
		name                   string
		srcW, srcH, dstW, dstH int
	}{
		{"wide strip", 1280, 4, 480, 480},
		{"tall strip", 4, 1280, 480, 480},
		{"wide into wide", 1920, 2, 640, 360},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := fillI420(tt.srcW, tt.srcH, 170, 95)
			got := Scale(src, tt.srcW, tt.srcH, tt.dstW, tt.dstH)
			if want := I420Size(tt.dstW, tt.dstH); len(got) != want {
				t.Fatalf("output length: got %d, want %d", len(got), want)
			}
			// The content strip survives at the center of the Y plane.
			center := got[(tt.dstH/2)*tt.dstW+tt.dstW/2]
			if center != 170 {
				t.Errorf("center Y: got %d, want 170", center)
			}
		})
	}
}

func TestScaleLetterboxTopBottom(t *testing.T) {
	t.Parallel()

	// 16:9 into 4:3 letterboxes: black rows above and below the content.
	src := fillI420(640, 360, 150, 80)
	got := Scale(src, 640, 360, 640, 480)

	const (
		scaledH = 360
		offY    = (480 - scaledH) / 2
	)
	yPlane := got[:640*480]
	for y := 0; y < offY; y++ {
		for x := 0; x < 640; x++ {
			if yPlane[y*640+x] != 0 {
				t.Fatalf("top border Y at (%d,%d): got %d, want 0", x, y, yPlane[y*640+x])
			}
			bottom := yPlane[(480-1-y)*640+x]
			if bottom != 0 {
				t.Fatalf("bottom border Y at (%d,%d): got %d, want 0", x, 480-1-y, bottom)
			}
		}
	}
	if yPlane[240*640+320] != 150 {
		t.Errorf("center Y: got %d, want 150", yPlane[240*640+320])
	}
}
