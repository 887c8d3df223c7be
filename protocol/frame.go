// Package protocol implements the framed binary protocol spoken by the
// in-call capture agent over its socket to the bot controller. Every message
// starts with a 4-byte little-endian kind tag followed by a kind-specific
// payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/convenehq/convene/media"
)

// Kind identifies the payload layout of a framed message.
type Kind uint32

// Message kinds understood by this codec. Unknown values are tolerated so
// newer agents can add kinds without breaking older controllers.
const (
	KindJSON  Kind = 1
	KindVideo Kind = 2
	KindAudio Kind = 3
)

// Fixed header sizes. A VIDEO message carries tag + timestamp + streamID
// length + width + height before any plane bytes; an AUDIO message carries
// tag + timestamp before any samples.
const (
	videoHeaderSize = 4 + 8 + 4 + 4 + 4
	audioHeaderSize = 4 + 8
)

// Errors reported by Parse. ErrShortMessage and ErrUnknownKind mark messages
// the reader should drop and move past; they never abort the stream.
var (
	ErrShortMessage = errors.New("protocol: message too short")
	ErrUnknownKind  = errors.New("protocol: unknown message kind")
)

// Message is one parsed frame. Exactly one of JSON, Video, or Audio is set,
// selected by Kind.
type Message struct {
	Kind  Kind
	JSON  []byte
	Video *media.VideoFrame
	Audio *media.AudioChunk
}

// Parse decodes a single framed message. It is a pure transform: corrupt or
// truncated input yields an error for the caller to log and drop, never a
// panic.
func Parse(buf []byte) (Message, error) {
	if len(buf) < 4 {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(buf))
	}

	kind := Kind(binary.LittleEndian.Uint32(buf))
	switch kind {
	case KindJSON:
		return Message{Kind: KindJSON, JSON: buf[4:]}, nil
	case KindVideo:
		frame, err := parseVideo(buf)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindVideo, Video: frame}, nil
	case KindAudio:
		chunk, err := parseAudio(buf)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindAudio, Audio: chunk}, nil
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

func parseVideo(buf []byte) (*media.VideoFrame, error) {
	if len(buf) < videoHeaderSize {
		return nil, fmt.Errorf("%w: VIDEO header needs %d bytes, have %d",
			ErrShortMessage, videoHeaderSize, len(buf))
	}

	ts := binary.LittleEndian.Uint64(buf[4:])
	// Compared in uint64 so a length near 2^32 cannot wrap a 32-bit int
	// negative and slip past the bound.
	idLen32 := binary.LittleEndian.Uint32(buf[12:])
	if uint64(len(buf)) < videoHeaderSize+uint64(idLen32) {
		return nil, fmt.Errorf("%w: VIDEO streamID of %d bytes exceeds message",
			ErrShortMessage, idLen32)
	}
	idLen := int(idLen32)

	streamID := string(buf[16 : 16+idLen])
	width := binary.LittleEndian.Uint32(buf[16+idLen:])
	height := binary.LittleEndian.Uint32(buf[20+idLen:])

	plane := make([]byte, len(buf)-(videoHeaderSize+idLen))
	copy(plane, buf[videoHeaderSize+idLen:])

	return &media.VideoFrame{
		TimestampMicros: ts,
		StreamID:        streamID,
		Width:           width,
		Height:          height,
		Plane:           plane,
	}, nil
}

func parseAudio(buf []byte) (*media.AudioChunk, error) {
	if len(buf) <= audioHeaderSize {
		return nil, fmt.Errorf("%w: AUDIO needs more than %d bytes, have %d",
			ErrShortMessage, audioHeaderSize, len(buf))
	}

	ts := binary.LittleEndian.Uint64(buf[4:])
	payload := buf[audioHeaderSize:]
	samples := make([]float32, len(payload)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}

	return &media.AudioChunk{TimestampMicros: ts, Samples: samples}, nil
}

// MarshalJSON frames an already-encoded JSON payload for delivery to the
// capture agent.
func MarshalJSON(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(KindJSON))
	copy(out[4:], payload)
	return out
}

// MarshalVideo frames a video frame using the same layout Parse reads.
func MarshalVideo(f *media.VideoFrame) []byte {
	out := make([]byte, videoHeaderSize+len(f.StreamID)+len(f.Plane))
	binary.LittleEndian.PutUint32(out, uint32(KindVideo))
	binary.LittleEndian.PutUint64(out[4:], f.TimestampMicros)
	binary.LittleEndian.PutUint32(out[12:], uint32(len(f.StreamID)))
	copy(out[16:], f.StreamID)
	off := 16 + len(f.StreamID)
	binary.LittleEndian.PutUint32(out[off:], f.Width)
	binary.LittleEndian.PutUint32(out[off+4:], f.Height)
	copy(out[off+8:], f.Plane)
	return out
}

// MarshalAudio frames an audio chunk using the same layout Parse reads.
func MarshalAudio(c *media.AudioChunk) []byte {
	out := make([]byte, audioHeaderSize+4*len(c.Samples))
	binary.LittleEndian.PutUint32(out, uint32(KindAudio))
	binary.LittleEndian.PutUint64(out[4:], c.TimestampMicros)
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint32(out[audioHeaderSize+i*4:], math.Float32bits(s))
	}
	return out
}
