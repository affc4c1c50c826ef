package reactor

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"
)

// Level is a log severity, ordered exactly as spec §6 requires:
// SEVERE > WARNING > INFO > CONFIG > FINE > FINER > FINEST.
type Level int

const (
	FINEST Level = iota
	FINER
	FINE
	CONFIG
	INFO
	WARNING
	SEVERE
)

func (l Level) String() string {
	switch l {
	case SEVERE:
		return "SEVERE"
	case WARNING:
		return "WARNING"
	case INFO:
		return "INFO"
	case CONFIG:
		return "CONFIG"
	case FINE:
		return "FINE"
	case FINER:
		return "FINER"
	default:
		return "FINEST"
	}
}

// logSignal is the single capitan.Signal every reactor log record is emitted
// under; the record's logger name, level, and message travel as fields so a
// single listener can demux by name the way capitan demuxes by signal.
const logSignal capitan.Signal = "reactor.log"

var (
	logName    = capitan.NewStringKey("logger")
	logLevel   = capitan.NewStringKey("level")
	logMessage = capitan.NewStringKey("message")
)

// Logger is a named, level-filtered logger, the spec's "Log sink" collaborator
// (§6). Named loggers are looked up through GetLogger and share one underlying
// capitan transport, mirroring how the teacher funnels every connector's
// observability events through package-level capitan.Warn/Info/Error calls.
type Logger struct {
	name string
	mu   sync.RWMutex
	min  Level
}

var loggers = struct {
	mu sync.Mutex
	m  map[string]*Logger
}{m: make(map[string]*Logger)}

// GetLogger returns the named logger, creating it at INFO severity on first
// lookup. Repeated calls with the same name return the same instance, so a
// SetLevel call anywhere is visible to every other holder of that name.
func GetLogger(name string) *Logger {
	loggers.mu.Lock()
	defer loggers.mu.Unlock()
	if l, ok := loggers.m[name]; ok {
		return l
	}
	l := &Logger{name: name, min: INFO}
	loggers.m[name] = l
	return l
}

// SetLevel changes the minimum severity this logger will emit.
func (l *Logger) SetLevel(min Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.min = min
}

func (l *Logger) enabled(lvl Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return lvl >= l.min
}

func (l *Logger) log(lvl Level, msg string) {
	if !l.enabled(lvl) {
		return
	}
	ctx := context.Background()
	fields := []capitan.Field{
		logName.Field(l.name),
		logLevel.Field(lvl.String()),
		logMessage.Field(msg),
	}
	switch {
	case lvl >= SEVERE:
		capitan.Error(ctx, logSignal, fields...)
	case lvl >= WARNING:
		capitan.Warn(ctx, logSignal, fields...)
	default:
		capitan.Info(ctx, logSignal, fields...)
	}
}

func (l *Logger) Severe(msg string) { l.log(SEVERE, msg) }
func (l *Logger) Warning(msg string) { l.log(WARNING, msg) }
func (l *Logger) Info(msg string) { l.log(INFO, msg) }
func (l *Logger) Config(msg string) { l.log(CONFIG, msg) }
func (l *Logger) Fine(msg string) { l.log(FINE, msg) }
func (l *Logger) Finer(msg string) { l.log(FINER, msg) }
func (l *Logger) Finest(msg string) { l.log(FINEST, msg) }
