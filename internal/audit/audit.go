// Package audit records who changed what. Events are written as structured
// JSON lines, separate from the operational log.
package audit

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fruitsalade/basket/internal/logging"
)

// Event is one audited mutation.
type Event struct {
	Action   string
	Paths    []string
	Username string
	Time     time.Time
	Result   string // "ok" or "error"
	Details  string
}

// Sink receives audit events.
type Sink interface {
	Record(e Event)
}

// Logger is a Sink writing one JSON line per event through a zap core.
type Logger struct {
	core zapcore.Core
}

// NewLogger creates an audit logger on core.
func NewLogger(core zapcore.Core) *Logger {
	return &Logger{core: core}
}

// New creates an audit logger writing JSON lines to w.
func New(w io.Writer) *Logger {
	return NewLogger(zapcore.NewCore(logging.JSONEncoder(), zapcore.AddSync(w), zapcore.InfoLevel))
}

// Open returns a logger appending to path, or writing to stdout when
// path is empty or "stdout". The returned closer releases the file.
func Open(path string) (*Logger, io.Closer, error) {
	if path == "" || path == "stdout" {
		return New(os.Stdout), io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, err
	}
	return New(f), f, nil
}

// Record implements Sink. The entry is stamped with e.Time, not the
// time of writing.
func (l *Logger) Record(e Event) {
	level := zapcore.InfoLevel
	if e.Result == "error" {
		level = zapcore.WarnLevel
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	ce := l.core.Check(zapcore.Entry{Level: level, Time: e.Time.UTC(), Message: "Audit event"}, nil)
	if ce == nil {
		return
	}
	fields := []zap.Field{
		zap.String("event_type", "file_operation"),
		zap.String("action", e.Action),
		zap.Strings("paths", e.Paths),
		zap.String("username", e.Username),
	}
	if e.Result != "" {
		fields = append(fields, zap.String("result", e.Result))
	}
	if e.Details != "" {
		fields = append(fields, zap.String("details", e.Details))
	}
	ce.Write(fields...)
}

// Discard is a Sink that drops every event.
type Discard struct{}

// Record implements Sink.
func (Discard) Record(Event) {}
