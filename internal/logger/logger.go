// Package logger owns the process-wide zap logger and the fields a context
// carries into it.
package logger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

/* ------------------------------------------------------------------ *
|  Options                                                            |
* -------------------------------------------------------------------*/

type settings struct {
	level     string
	format    string
	file      string
	version   string
	component string

	maxSizeMB, maxBackups, maxAgeDays int
}

type Option func(*settings)

func WithLevel(lvl string) Option      { return func(s *settings) { s.level = lvl } }
func WithFormat(f string) Option       { return func(s *settings) { s.format = f } }
func WithFile(path string) Option      { return func(s *settings) { s.file = path } }
func WithVersion(v string) Option      { return func(s *settings) { s.version = v } }
func WithComponent(name string) Option { return func(s *settings) { s.component = name } }

// WithRotation sets the log file size in megabytes, the number of rotated
// files to keep and their maximum age in days.
func WithRotation(sizeMB, backups, ageDays int) Option {
	return func(s *settings) {
		s.maxSizeMB, s.maxBackups, s.maxAgeDays = sizeMB, backups, ageDays
	}
}

/* ------------------------------------------------------------------ *
|  Active sink                                                        |
* -------------------------------------------------------------------*/

// sink is one initialized logger together with what it writes to.
type sink struct {
	level zap.AtomicLevel
	log   *zap.Logger
	file  *lumberjack.Logger
}

var (
	mu     sync.RWMutex
	active *sink
)

// Init replaces the process logger. The previous one is flushed and its log
// file closed.
func Init(opts ...Option) error {
	s := settings{
		level:      "info",
		format:     "console",
		component:  "arena-sync",
		maxSizeMB:  100,
		maxBackups: 5,
		maxAgeDays: 30,
	}
	for _, opt := range opts {
		opt(&s)
	}
	next, err := s.open()
	if err != nil {
		return err
	}

	mu.Lock()
	prev := active
	active = next
	mu.Unlock()

	_ = prev.close()
	return nil
}

// Shutdown flushes and closes the process logger. Later calls to L and New
// get a no-op logger until Init runs again.
func Shutdown() error {
	mu.Lock()
	s := active
	active = nil
	mu.Unlock()

	if s == nil {
		return fmt.Errorf("logger not initialized")
	}
	return s.close()
}

func (s *settings) open() (*sink, error) {
	level, err := zap.ParseAtomicLevel(s.level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var enc zapcore.Encoder
	switch s.format {
	case "json":
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	case "console", "":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("unknown log format %q", s.format)
	}

	out := &sink{level: level}
	// stderr keeps stdout free for the watch commands' JSON stream
	ws := zapcore.Lock(os.Stderr)
	if s.file != "" {
		if err := os.MkdirAll(filepath.Dir(s.file), 0o750); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		out.file = &lumberjack.Logger{
			Filename:   s.file,
			MaxSize:    s.maxSizeMB,
			MaxBackups: s.maxBackups,
			MaxAge:     s.maxAgeDays,
			Compress:   true,
		}
		ws = zapcore.AddSync(out.file)
	}

	out.log = zap.New(zapcore.NewCore(enc, ws, level),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("version", s.version), zap.String("service", s.component)),
	)
	return out, nil
}

func (s *sink) close() error {
	if s == nil {
		return nil
	}
	err := s.log.Sync()
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		// syncing a terminal fails on some platforms
		err = nil
	}
	if s.file != nil {
		err = errors.Join(err, s.file.Close())
	}
	return err
}

func current() *sink {
	mu.RLock()
	defer mu.RUnlock()
	return active
}

/* ------------------------------------------------------------------ *
|  Loggers                                                            |
* -------------------------------------------------------------------*/

// L returns the process logger, or a no-op logger before Init.
func L() *zap.Logger {
	if s := current(); s != nil {
		return s.log
	}
	return zap.NewNop()
}

// New returns a child of the process logger tagged with component.
func New(component string) *zap.Logger {
	return L().With(zap.String("component", component))
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

type fieldsKey struct{}

// WithFields returns a context that carries fields in addition to any the
// parent already carries. For applies them.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	carried := slices.Clip(contextFields(ctx))
	return context.WithValue(ctx, fieldsKey{}, append(carried, fields...))
}

// For returns l extended with the fields ctx carries.
func For(ctx context.Context, l *zap.Logger) *zap.Logger {
	l = OrNop(l)
	if fields := contextFields(ctx); len(fields) > 0 {
		return l.With(fields...)
	}
	return l
}

func contextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(fieldsKey{}).([]zap.Field)
	return fields
}

/* ------------------------------------------------------------------ *
|  Runtime level                                                      |
* -------------------------------------------------------------------*/

// LevelHandler serves the active level as JSON on GET and changes it on PUT
// with a body such as {"level":"debug"}.
func LevelHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := current()
		if s == nil {
			http.Error(w, "logger not initialized", http.StatusServiceUnavailable)
			return
		}
		s.level.ServeHTTP(w, r)
	})
}
