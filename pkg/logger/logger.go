// Package logger is the slog front-end of the dataplane. One process-wide
// logger carries a set of per-subsystem debug switches, so frame-rate
// diagnostics (one line per memsink frame, per NAL unit) stay compiled-in
// but silent until their category is turned on.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Category is a bit in the debug switch set. Each dataplane subsystem that
// can log per-packet detail owns one.
type Category uint8

const (
	CatMemsink Category = 1 << iota
	CatRTP
	CatACap
	CatAPlay
	CatSession

	catAll = CatMemsink | CatRTP | CatACap | CatAPlay | CatSession
)

var categoryNames = map[Category]string{
	CatMemsink: "memsink",
	CatRTP:     "rtp",
	CatACap:    "acap",
	CatAPlay:   "aplay",
	CatSession: "session",
}

// ParseCategories turns a comma-separated list ("memsink,rtp" or "all")
// into a switch set. An empty string is the empty set.
func ParseCategories(list string) (Category, error) {
	var set Category
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		if name == "all" {
			set |= catAll
			continue
		}
		found := false
		for cat, catName := range categoryNames {
			if name == catName {
				set |= cat
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown debug category: %s (known: %s, all)", name, (catAll).String())
		}
	}
	return set, nil
}

// String renders the set back as a comma list.
func (c Category) String() string {
	var names []string
	for cat, name := range categoryNames {
		if c&cat != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// Options describes how a Logger is opened.
type Options struct {
	Level string // debug, info, warn, error; any debug Category forces debug
	JSON  bool   // JSON records instead of text
	File  string // append here instead of stdout
	Debug Category
}

// Logger wraps slog with the debug switch set. The set is fixed at Open
// time, so copies made by With share it without locking.
type Logger struct {
	*slog.Logger
	debug Category
	file  *os.File
}

// Open builds a logger from options.
func Open(opts Options) (*Logger, error) {
	level, err := slogLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	if opts.Debug != 0 {
		// Debug categories are useless at higher levels.
		level = slog.LevelDebug
	}

	var writer io.Writer = os.Stdout
	var file *os.File
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", opts.File, err)
		}
		writer = f
		file = f
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	return &Logger{
		Logger: slog.New(handler),
		debug:  opts.Debug,
		file:   file,
	}, nil
}

func slogLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", name)
	}
}

// Enabled reports whether a debug category is switched on.
func (l *Logger) Enabled(c Category) bool {
	return l.debug&c != 0
}

// Dbg logs one debug record if the category is switched on. The category
// name rides along as an attribute so filtered output stays greppable.
func (l *Logger) Dbg(c Category, msg string, args ...any) {
	if l.debug&c == 0 {
		return
	}
	l.Debug(msg, append([]any{"category", categoryNames[c]}, args...)...)
}

// With returns a logger carrying extra attributes and the same switch set.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		debug:  l.debug,
		file:   l.file,
	}
}

// Close closes the log file, if any. Loggers derived via With share it, so
// close only the root.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

var (
	processLogger atomic.Pointer[Logger]
	fallbackOnce  sync.Once
	fallback      *Logger
)

// SetDefault installs the process logger; slog's own default follows along
// so stray library logging lands in the same place.
func SetDefault(l *Logger) {
	processLogger.Store(l)
	slog.SetDefault(l.Logger)
}

// Default returns the process logger, or a plain stdout text logger before
// SetDefault has run (tests mostly).
func Default() *Logger {
	if l := processLogger.Load(); l != nil {
		return l
	}
	fallbackOnce.Do(func() {
		l, err := Open(Options{})
		if err != nil {
			l = &Logger{Logger: slog.Default()}
		}
		fallback = l
	})
	return fallback
}
