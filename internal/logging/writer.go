package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Writer is an io.Writer implementation that forwards subprocess output to slog,
// one record per line. Partial lines are buffered until a newline or Flush.
type Writer struct {
	logger *slog.Logger
	level  slog.Level
	attrs  []any

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewWriter constructs a Writer bound to the provided logger. Extra attrs are
// attached to every forwarded line.
func NewWriter(logger *slog.Logger, level slog.Level, attrs ...any) *Writer {
	return &Writer{logger: logger, level: level, attrs: attrs}
}

// Write logs every complete line in p.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *Writer) emit(line string) {
	if w.logger == nil {
		return
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	args := append([]any{"line", line}, w.attrs...)
	w.logger.Log(context.Background(), w.level, "command output", args...)
}
