package media

// I420Size returns the byte length of an I420 frame with the given
// dimensions: a full-resolution Y plane plus two half-by-half chroma planes.
func I420Size(w, h int) int {
	return w*h + 2*((w/2)*(h/2))
}

// Scale resizes an I420 plane buffer from (srcW,srcH) to exactly (dstW,dstH)
// bytes worth of output, preserving the source aspect ratio. When the aspect
// ratios match, each plane is resized independently with bilinear
// interpolation. When they differ, the source is resized to the largest size
// that fits inside the destination and center-pasted onto a neutral black
// canvas (Y=0, U=V=128). The result is always I420Size(dstW, dstH) bytes.
//
// Dimensions must be positive and even; behavior is undefined otherwise.
func Scale(plane []byte, srcW, srcH, dstW, dstH int) []byte {
	ySize := srcW * srcH
	uvSize := (srcW / 2) * (srcH / 2)
	srcY := plane[:ySize]
	srcU := plane[ySize : ySize+uvSize]
	srcV := plane[ySize+uvSize : ySize+2*uvSize]

	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(dstW) / float64(dstH)

	if absF(srcAspect-dstAspect) < 1e-6 {
		out := make([]byte, 0, I420Size(dstW, dstH))
		out = append(out, resizePlane(srcY, srcW, srcH, dstW, dstH)...)
		out = append(out, resizePlane(srcU, srcW/2, srcH/2, dstW/2, dstH/2)...)
		out = append(out, resizePlane(srcV, srcW/2, srcH/2, dstW/2, dstH/2)...)
		return out
	}

	// Largest inner fit preserving the source aspect.
	scaledW, scaledH := dstW, int(float64(dstW)/srcAspect)
	if scaledH > dstH {
		scaledW, scaledH = int(float64(dstH)*srcAspect), dstH
	}
	// Chroma planes need even luma dimensions to stay aligned. Extreme
	// aspect mismatches can floor a dimension to zero here; clamp so the
	// resize always has at least one chroma row and column to work with.
	scaledW &^= 1
	scaledH &^= 1
	if scaledW < 2 {
		scaledW = 2
	}
	if scaledH < 2 {
		scaledH = 2
	}

	fitY := resizePlane(srcY, srcW, srcH, scaledW, scaledH)
	fitU := resizePlane(srcU, srcW/2, srcH/2, scaledW/2, scaledH/2)
	fitV := resizePlane(srcV, srcW/2, srcH/2, scaledW/2, scaledH/2)

	dstY := make([]byte, dstW*dstH)
	dstUVLen := (dstW / 2) * (dstH / 2)
	dstU := make([]byte, dstUVLen)
	dstV := make([]byte, dstUVLen)
	for i := range dstU {
		dstU[i] = 128
		dstV[i] = 128
	}

	offX := (dstW - scaledW) / 2
	offY := (dstH - scaledH) / 2
	pastePlane(dstY, dstW, fitY, scaledW, scaledH, offX, offY)
	pastePlane(dstU, dstW/2, fitU, scaledW/2, scaledH/2, offX/2, offY/2)
	pastePlane(dstV, dstW/2, fitV, scaledW/2, scaledH/2, offX/2, offY/2)

	out := make([]byte, 0, I420Size(dstW, dstH))
	out = append(out, dstY...)
	out = append(out, dstU...)
	out = append(out, dstV...)
	return out
}

// resizePlane scales a single plane with bilinear interpolation using 16.16
// fixed-point source coordinates.
func resizePlane(src []byte, srcW, srcH, dstW, dstH int) []byte {
	dst := make([]byte, dstW*dstH)
	if srcW == dstW && srcH == dstH {
		copy(dst, src)
		return dst
	}

	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		y0 := srcYFP >> 16
		yFrac := srcYFP & 0xFFFF
		y1 := y0 + 1
		if y1 >= srcH {
			y1 = y0
		}

		for x := 0; x < dstW; x++ {
			srcXFP := x * xRatio
			x0 := srcXFP >> 16
			xFrac := srcXFP & 0xFFFF
			x1 := x0 + 1
			if x1 >= srcW {
				x1 = x0
			}

			p00 := int(src[y0*srcW+x0])
			p10 := int(src[y0*srcW+x1])
			p01 := int(src[y1*srcW+x0])
			p11 := int(src[y1*srcW+x1])

			top := (p00*(0x10000-xFrac) + p10*xFrac) >> 16
			bottom := (p01*(0x10000-xFrac) + p11*xFrac) >> 16
			dst[y*dstW+x] = byte((top*(0x10000-yFrac) + bottom*yFrac) >> 16)
		}
	}
	return dst
}

// pastePlane copies a w-by-h plane into dst (stride dstStride) at (offX,offY).
func pastePlane(dst []byte, dstStride int, src []byte, w, h, offX, offY int) {
	for y := 0; y < h; y++ {
		copy(dst[(offY+y)*dstStride+offX:(offY+y)*dstStride+offX+w], src[y*w:(y+1)*w])
	}
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
