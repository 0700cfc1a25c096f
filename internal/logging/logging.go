// Package logging owns the process-wide zap logger and the HTTP access log.
package logging

import (
	"context"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	loggerCtx ctxKey = iota
	requestCtx
)

// loggers pairs the configured logger with a copy whose caller frame skips
// the package-level helpers below.
type loggers struct {
	base    *zap.Logger
	helpers *zap.Logger
}

var current atomic.Pointer[loggers]

// JSONEncoder is the line format shared by the process log and the audit log.
func JSONEncoder() zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return zapcore.NewJSONEncoder(ec)
}

// Setup installs a logger at level ("debug" to "fatal"; anything else means
// info) writing to stderr. format "console" selects the human-readable
// encoder, everything else is JSON.
func Setup(level, format string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	enc := JSONEncoder()
	if format == "console" {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	l := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	Replace(l)
	return l
}

// Replace makes l the process logger.
func Replace(l *zap.Logger) {
	current.Store(&loggers{base: l, helpers: l.WithOptions(zap.AddCallerSkip(1))})
}

func load() *loggers {
	if ls := current.Load(); ls != nil {
		return ls
	}
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	current.CompareAndSwap(nil, &loggers{base: l, helpers: l.WithOptions(zap.AddCallerSkip(1))})
	return current.Load()
}

// L returns the process logger.
func L() *zap.Logger { return load().base }

// FromContext returns the request-scoped logger carried by ctx, falling
// back to the process logger.
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerCtx).(*zap.Logger); ok {
		return l
	}
	return L()
}

func Debug(msg string, fields ...zap.Field) { load().helpers.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { load().helpers.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { load().helpers.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { load().helpers.Error(msg, fields...) }

// Fatal logs and exits the process.
func Fatal(msg string, fields ...zap.Field) { load().helpers.Fatal(msg, fields...) }

// request is what the access log learns while a request is in flight.
type request struct {
	id string

	mu   sync.Mutex
	user string
}

func (rq *request) username() string {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.user
}

// RequestID returns the ID assigned by Middleware, or "".
func RequestID(ctx context.Context) string {
	if rq, ok := ctx.Value(requestCtx).(*request); ok {
		return rq.id
	}
	return ""
}

// SetUser attaches the authenticated username to the access log line.
func SetUser(ctx context.Context, username string) {
	if rq, ok := ctx.Value(requestCtx).(*request); ok {
		rq.mu.Lock()
		rq.user = username
		rq.mu.Unlock()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// Middleware tags each request with an ID (the client's X-Request-ID when
// present) and writes one access log line when the handler returns.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		rq := &request{id: r.Header.Get("X-Request-ID")}
		if rq.id == "" {
			rq.id = uuid.NewString()
		}
		log := FromContext(r.Context()).With(zap.String("request_id", rq.id))
		ctx := context.WithValue(r.Context(), loggerCtx, log)
		ctx = context.WithValue(ctx, requestCtx, rq)

		w.Header().Set("X-Request-ID", rq.id)
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		next.ServeHTTP(sr, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", r.Pattern),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", sr.status),
			zap.Int64("size", sr.written),
			zap.Duration("duration", time.Since(began)),
		}
		if user := rq.username(); user != "" {
			fields = append(fields, zap.String("user", user))
		}

		level := zapcore.InfoLevel
		switch {
		case sr.status >= http.StatusInternalServerError:
			level = zapcore.ErrorLevel
		case r.URL.Path == "/health":
			level = zapcore.DebugLevel
		}
		log.Log(level, "request completed", fields...)
	})
}
