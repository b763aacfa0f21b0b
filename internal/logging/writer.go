package logging

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// Writer is an io.Writer implementation that forwards command output to slog,
// one record per line. Partial lines are held until completed or flushed.
type Writer struct {
	logger *slog.Logger
	level  slog.Level
	attrs  []any

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewWriter constructs a Writer bound to the provided logger. attrs are added to
// every record, e.g. "cmd", "git".
func NewWriter(logger *slog.Logger, level Level, attrs ...any) *Writer {
	return &Writer{logger: logger, level: slog.Level(level), attrs: attrs}
}

// Write logs every complete line in p.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line: keep it for the next write.
			w.buf.Write(line)
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
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *Writer) emit(line []byte) {
	text := string(bytes.TrimRight(line, "\r\n"))
	if text == "" || w.logger == nil {
		return
	}
	args := append([]any{"line", text}, w.attrs...)
	w.logger.Log(context.Background(), w.level, "command output", args...)
}
