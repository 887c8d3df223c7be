// Package media defines the frame and collaboration-metadata types that flow
// through the Convene bot pipeline, from capture-agent ingestion through
// scaling, playback, and session bookkeeping.
package media

// VideoFrame is a single uncompressed picture from the capture agent in I420
// planar layout: a full-resolution Y plane followed by quarter-resolution U
// and V planes, concatenated in Plane. A frame has one owner at a time; the
// scaler returns a fresh buffer rather than mutating in place.
type VideoFrame struct {
	TimestampMicros uint64
	StreamID        string
	Width           uint32
	Height          uint32
	Plane           []byte
}

// AudioChunk is a run of float32 PCM samples captured from the call's mixed
// audio, stamped with the capture time.
type AudioChunk struct {
	TimestampMicros uint64
	Samples         []float32
}

// Participant is one entry in the session's participant directory, keyed by
// DeviceID. Entries are upserted as user-detail messages arrive and are never
// deleted during a session, only replaced.
type Participant struct {
	DeviceID        string
	FullName        string
	DisplayName     string
	ProfileImageRef string
}

// ChatMessage is a chat entry with its sender resolved against the
// participant directory at decode time. Resolution is best-effort: when the
// directory has no entry for DeviceID yet, Sender carries empty-string fields
// and is never retroactively fixed.
type ChatMessage struct {
	MessageID       string
	DeviceID        string
	TimestampMicros uint64
	Text            string
	Sender          Participant
}

// Caption is one closed-caption revision. Captions are unique per
// (CaptionID, DeviceSpace); the stream may replay an id with corrected text,
// so Version is informative rather than strictly increasing.
type Caption struct {
	DeviceSpace string
	CaptionID   int64
	Version     int64
	Text        string
	LanguageID  int64
}
