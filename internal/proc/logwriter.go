package proc

import (
	"bytes"
	"log/slog"
	"sync"
)

const maxLine = 4096

// LogWriter forwards a child's output to slog one line at a time.
type LogWriter struct {
	mu    sync.Mutex
	buf   []byte
	msg   string
	attrs []any
}

// NewLogWriter returns a writer logging each line as msg with attrs.
func NewLogWriter(msg string, attrs ...any) *LogWriter {
	return &LogWriter{msg: msg, attrs: attrs}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLine {
		w.emit(w.buf)
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *LogWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r ")
	if len(line) == 0 {
		return
	}
	slog.Debug(w.msg, append(w.attrs, "line", string(line))...)
}
