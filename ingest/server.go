// Package ingest accepts the in-call capture agent's WebSocket connection
// and routes its framed messages: VIDEO frames through the planar scaler,
// AUDIO chunks straight through, and JSON envelopes through the metadata
// wire decoder. Decode failures are logged and dropped; the read loop only
// stops when the connection or server closes.
package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/convenehq/convene/media"
	"github.com/convenehq/convene/protocol"
	"github.com/convenehq/convene/wire"
)

// Read/write buffer sizing for the agent connection. Video frames dominate;
// 64KB keeps reads off the slow path without hoarding memory.
const wsBufferSize = 64 * 1024

// Envelope types the capture agent sends inside JSON frames. Payloads are
// base64; CollectionEvent payloads are additionally DEFLATE-compressed.
const (
	EnvelopeCollectionEvent = "CollectionEvent"
	EnvelopeCaptionEvent    = "CaptionEvent"
)

// ErrBindFailed reports that no port in the retry window could be bound.
var ErrBindFailed = errors.New("ingest: no available port")

// Handler receives everything the ingestion stream produces. All callbacks
// are invoked from the single connection read loop, so implementations see
// serialized calls.
type Handler interface {
	// WantsVideo gates scaling and delivery of VIDEO frames.
	WantsVideo() bool
	OnVideoFrame(f *media.VideoFrame)
	OnAudioChunk(c *media.AudioChunk)
	OnCollectionEvent(ev *wire.CollectionEvent)
	OnCaption(c *media.Caption)
}

// Envelope is the JSON control wrapper the agent uses for non-media
// messages.
type Envelope struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
}

// Stats captures connection-level counters for the agent stream.
type Stats struct {
	BytesReceived int64 `json:"bytesReceived"`
	MessageCount  int64 `json:"messageCount"`
	DecodeErrors  int64 `json:"decodeErrors"`
}

// Server owns the listening socket and at most one live agent connection.
type Server struct {
	log     *slog.Logger
	handler Handler

	// Output resolution VIDEO frames are scaled to before delivery.
	outWidth  int
	outHeight int

	httpServer *http.Server
	upgrader   websocket.Upgrader
	listener   net.Listener
	port       int

	conn    atomic.Pointer[websocket.Conn]
	writeMu sync.Mutex

	bytesReceived atomic.Int64
	messageCount  atomic.Int64
	decodeErrors  atomic.Int64
	lastMessageNs atomic.Int64

	closeOnce sync.Once
}

// NewServer creates a Server that scales delivered video to outWidth by
// outHeight. If log is nil, slog.Default() is used.
func NewServer(handler Handler, outWidth, outHeight int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:       log.With("component", "ingest"),
		handler:   handler,
		outWidth:  outWidth,
		outHeight: outHeight,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			// The agent runs in a browser page on this machine; the
			// socket is loopback-only, so any origin is fine.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Bind listens on 127.0.0.1, trying basePort through
// basePort+maxAttempts-1 before giving up. The chosen port is available via
// Port and is handed to the browser-automation layer so the in-page agent
// knows where to connect.
func (s *Server) Bind(basePort, maxAttempts int) error {
	for i := 0; i < maxAttempts; i++ {
		port := basePort + i
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			s.log.Warn("bind failed", "port", port, "error", err)
			continue
		}
		s.listener = l
		s.port = l.Addr().(*net.TCPAddr).Port
		s.log.Info("listening", "port", s.port)
		return nil
	}
	return fmt.Errorf("%w after %d attempts from %d", ErrBindFailed, maxAttempts, basePort)
}

// Port returns the bound port. Valid only after a successful Bind.
func (s *Server) Port() int {
	return s.port
}

// Start serves agent connections until the context is cancelled or Close is
// called. Bind must have succeeded first.
func (s *Server) Start(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("ingest: Start before Bind")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleAgent)
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.log.Info("agent connected", "remote", conn.RemoteAddr().String())
	s.conn.Store(conn)

	defer func() {
		conn.Close()
		s.conn.CompareAndSwap(conn, nil)
		s.log.Info("agent disconnected",
			"bytes", s.bytesReceived.Load(),
			"messages", s.messageCount.Load(),
			"decode_errors", s.decodeErrors.Load())
	}()

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read error", "error", err)
			}
			return
		}
		s.bytesReceived.Add(int64(len(buf)))
		s.messageCount.Add(1)
		s.lastMessageNs.Store(time.Now().UnixNano())
		s.dispatch(buf)
	}
}

// dispatch parses and routes one framed message. Malformed input is counted
// and dropped; it never stops the reader.
func (s *Server) dispatch(buf []byte) {
	msg, err := protocol.Parse(buf)
	if err != nil {
		s.decodeErrors.Add(1)
		s.log.Debug("dropping frame", "error", err)
		return
	}

	switch msg.Kind {
	case protocol.KindVideo:
		s.dispatchVideo(msg.Video)
	case protocol.KindAudio:
		s.handler.OnAudioChunk(msg.Audio)
	case protocol.KindJSON:
		s.dispatchJSON(msg.JSON)
	}
}

func (s *Server) dispatchVideo(f *media.VideoFrame) {
	if !s.handler.WantsVideo() {
		return
	}
	w, h := int(f.Width), int(f.Height)
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 || len(f.Plane) != media.I420Size(w, h) {
		s.decodeErrors.Add(1)
		s.log.Debug("dropping video frame with inconsistent geometry",
			"width", w, "height", h, "plane_bytes", len(f.Plane))
		return
	}
	scaled := media.Scale(f.Plane, w, h, s.outWidth, s.outHeight)
	s.handler.OnVideoFrame(&media.VideoFrame{
		TimestampMicros: f.TimestampMicros,
		StreamID:        f.StreamID,
		Width:           uint32(s.outWidth),
		Height:          uint32(s.outHeight),
		Plane:           scaled,
	})
}

func (s *Server) dispatchJSON(payload []byte) {
	var env Envelope
	if err := sonic.Unmarshal(payload, &env); err != nil {
		s.decodeErrors.Add(1)
		s.log.Debug("dropping unparseable envelope", "error", err)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		s.decodeErrors.Add(1)
		s.log.Debug("dropping envelope with bad payload encoding", "type", env.Type, "error", err)
		return
	}

	switch env.Type {
	case EnvelopeCollectionEvent:
		ev, err := wire.DecodeCollectionEvent(raw)
		if err != nil {
			s.decodeErrors.Add(1)
			s.log.Debug("dropping collection event", "error", err)
			return
		}
		s.handler.OnCollectionEvent(ev)
	case EnvelopeCaptionEvent:
		c, err := wire.DecodeCaption(raw)
		if err != nil {
			s.decodeErrors.Add(1)
			s.log.Debug("dropping caption event", "error", err)
			return
		}
		s.handler.OnCaption(c)
	default:
		s.log.Debug("ignoring envelope", "type", env.Type)
	}
}

// SendJSON pushes a control message to the connected agent using the same
// framing the agent sends, a 4-byte kind tag ahead of the JSON text.
func (s *Server) SendJSON(v any) error {
	conn := s.conn.Load()
	if conn == nil {
		return errors.New("ingest: no agent connected")
	}
	payload, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("ingest: marshal control message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, protocol.MarshalJSON(payload))
}

// LastMessageAt returns the arrival time of the most recent agent message,
// or the zero time if none has arrived. The session's leave sequence uses it
// to wait out in-flight frames.
func (s *Server) LastMessageAt() time.Time {
	ns := s.lastMessageNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats returns a snapshot of connection counters.
func (s *Server) Stats() Stats {
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		MessageCount:  s.messageCount.Load(),
		DecodeErrors:  s.decodeErrors.Load(),
	}
}

// Close shuts the server and any live agent connection down. It is
// idempotent and safe to call before Start.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if conn := s.conn.Load(); conn != nil {
			conn.Close()
		}
		if s.httpServer != nil {
			s.httpServer.Close()
		} else if s.listener != nil {
			s.listener.Close()
		}
	})
}
