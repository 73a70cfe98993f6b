package stream

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// BufferSource looks up the buffer of the device's active session. It returns
// nil while no session is active.
type BufferSource interface {
	Buffer(deviceID string) *Buffer
}

// BufferSourceFunc adapts a function to a BufferSource.
type BufferSourceFunc func(deviceID string) *Buffer

// Buffer calls f(deviceID).
func (f BufferSourceFunc) Buffer(deviceID string) *Buffer { return f(deviceID) }

// ServerConfig holds the framing parameters shared by every device server.
type ServerConfig struct {
	Path         string // e.g. "/stream.wav"
	ContentType  string
	ChunkSize    int
	PollInterval time.Duration
}

// Server serves one device's audio stream.
type Server struct {
	deviceID string
	source   BufferSource
	cfg      ServerConfig
}

// NewServer creates the stream server for deviceID.
func NewServer(deviceID string, source BufferSource, cfg ServerConfig) *Server {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 4096
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "audio/wav"
	}
	if cfg.Path == "" {
		cfg.Path = "/stream.wav"
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	return &Server{deviceID: deviceID, source: source, cfg: cfg}
}

// Router returns the HTTP handler. Only GET on the stream path is served;
// every other path is 404.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(s.cfg.Path, s.handleStream)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	return r
}

// handleStream writes buffered audio as it arrives until the session ends,
// the reader is superseded or the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", s.cfg.ContentType)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := slog.With("device", s.deviceID, "remote", r.RemoteAddr)
	log.Info("stream: client connected")

	ctx := r.Context()
	chunk := make([]byte, s.cfg.ChunkSize)
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	var (
		buf    *Buffer
		reader *Reader
		sent   int64
	)
	defer func() {
		if reader != nil {
			reader.Detach()
		}
		log.Info("stream: client disconnected", "bytes", sent)
	}()

	for {
		if reader == nil {
			if buf = s.source.Buffer(s.deviceID); buf != nil {
				reader = buf.Attach()
				log.Debug("stream: attached to session buffer")
			}
		}

		if reader != nil {
			n, err := reader.Read(chunk)
			if n > 0 {
				if _, werr := w.Write(chunk[:n]); werr != nil {
					return
				}
				flusher.Flush()
				sent += int64(n)
				continue
			}
			switch {
			case errors.Is(err, io.EOF):
				log.Debug("stream: session ended")
				return
			case errors.Is(err, ErrReaderReplaced):
				log.Info("stream: superseded by a newer connection")
				reader = nil
				return
			}
		}

		// Nothing to send: wait for data, the poll interval, or the client.
		timer.Reset(s.cfg.PollInterval)
		var ready <-chan struct{}
		if buf != nil {
			ready = buf.Ready()
		}
		select {
		case <-ctx.Done():
			return
		case <-ready:
		case <-timer.C:
		}
	}
}
