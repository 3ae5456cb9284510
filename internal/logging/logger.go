// Package logging provides the process-wide structured logger shared by the
// backend service and the GUI shell. Output goes to a date-rotated file under
// the aedthub config directory, plus stdout in dev mode.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxAge is the retention period for log files.
	DefaultMaxAge = 7 * 24 * time.Hour

	dirPermissions  = 0755
	filePermissions = 0644
)

var (
	defaultLogger *slog.Logger
	loggerMu      sync.RWMutex
)

// Config holds logger configuration.
type Config struct {
	LogDir     string        // directory for log files
	Prefix     string        // log file prefix, e.g. "backend" or "gui"
	MaxAge     time.Duration // maximum age of log files before cleanup
	JSONOutput bool          // JSON handler instead of text
	DevMode    bool          // tee to stdout
}

// DefaultConfig returns the default configuration for the given file prefix.
func DefaultConfig(prefix string) Config {
	homeDir, _ := os.UserHomeDir()
	return Config{
		LogDir:     filepath.Join(homeDir, ".aedthub", "logs"),
		Prefix:     prefix,
		MaxAge:     DefaultMaxAge,
		JSONOutput: true,
	}
}

// rotatingFile writes to one file per day and removes files older than
// maxAge on rollover.
type rotatingFile struct {
	mu          sync.Mutex
	dir         string
	prefix      string
	maxAge      time.Duration
	currentFile *os.File
	currentDate string
}

func newRotatingFile(dir, prefix string, maxAge time.Duration) (*rotatingFile, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, err
	}
	h := &rotatingFile{dir: dir, prefix: prefix, maxAge: maxAge}
	if err := h.rotate(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *rotatingFile) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if today != h.currentDate {
		if err := h.rotate(); err != nil {
			return 0, err
		}
		go h.cleanup()
	}
	return h.currentFile.Write(p)
}

func (h *rotatingFile) rotate() error {
	if h.currentFile != nil {
		h.currentFile.Close()
	}

	today := time.Now().Format("2006-01-02")
	name := filepath.Join(h.dir, h.prefix+"."+today+".log")
	file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, filePermissions)
	if err != nil {
		return err
	}
	h.currentFile = file
	h.currentDate = today
	return nil
}

func (h *rotatingFile) cleanup() {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-h.maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFile(entry.Name(), h.prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(h.dir, entry.Name()))
		}
	}
}

// isLogFile matches the dated pattern prefix.YYYY-MM-DD.log.
func isLogFile(name, prefix string) bool {
	return strings.HasPrefix(name, prefix+".") &&
		strings.HasSuffix(name, ".log") &&
		len(name) == len(prefix)+len(".2006-01-02.log")
}

// Init initializes the global logger. Safe to call once at process start;
// everything before Init falls back to slog's default.
func Init(cfg Config) error {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	file, err := newRotatingFile(cfg.LogDir, cfg.Prefix, cfg.MaxAge)
	if err != nil {
		return err
	}

	var w io.Writer = file
	if cfg.DevMode {
		w = io.MultiWriter(file, os.Stdout)
	}

	opts := &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.JSONOutput {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
	return nil
}

// Logger returns the configured logger, or slog's default before Init.
func Logger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { Logger().Info(msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { Logger().Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { Logger().Error(msg, args...) }

// With returns a logger with additional attributes.
func With(args ...any) *slog.Logger { return Logger().With(args...) }

// FrontendEntry is a log record forwarded from the GUI shell's log panel.
type FrontendEntry struct {
	Level   string `json:"level"`
	Module  string `json:"module"`
	Message string `json:"message"`
}

// LogFromFrontend writes a GUI-originated entry into the shared sink so
// backend and frontend logs interleave in one place.
func LogFromFrontend(entry FrontendEntry) {
	logger := Logger().With("source", "frontend", "module", entry.Module)
	switch strings.ToLower(strings.TrimSpace(entry.Level)) {
	case "debug":
		logger.Debug(entry.Message)
	case "warn":
		logger.Warn(entry.Message)
	case "error":
		logger.Error(entry.Message)
	default:
		logger.Info(entry.Message)
	}
}
