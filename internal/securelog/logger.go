// Package securelog is the structured logger used by everything that sits
// around the core session package: the demo commands, the relay, and the
// registry/store backends. The core securesession package never imports
// this package — it stays side-effect free and callback-driven, and logging
// happens one layer up, in whatever is driving it.
//
// Unlike a general-purpose component logger, securelog carries two pieces
// of domain context as first-class fields rather than loose map entries:
// the session id a log line belongs to (so every line from one handshake
// can be grepped out of a busy relay's log by session_id) and, when the
// thing being logged is a *sessionerr.Error, its opaque Code — so a log
// line distinguishes "invalid signature" from "invalid MAC" without the
// caller having to remember to format it in by hand.
package securelog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/securesession/securesession/shared/sessionerr"
)

// Level is a logging severity.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string (as found in LoggingConfig.Level) to a
// Level, defaulting to INFO for anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return DEBUG
	case "warn":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Fields is structured key-value context attached to a log entry.
type Fields map[string]interface{}

// entry is one JSON-serialized log line. SessionID, PeerID and Code are
// promoted out of Fields into their own columns since they are the three
// things an operator chasing one handshake or one peer actually filters
// log lines by.
type entry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      string                 `json:"level"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component,omitempty"`
	SessionID  string                 `json:"session_id,omitempty"`
	PeerID     string                 `json:"peer_id,omitempty"`
	Code       string                 `json:"code,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	Caller     string                 `json:"caller,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
}

// rotationPolicy bounds a log file's on-disk footprint.
type rotationPolicy struct {
	maxSize    int64
	maxBackups int
}

var defaultRotation = rotationPolicy{maxSize: 100 * 1024 * 1024, maxBackups: 10}

// Logger is a structured logger with JSON output and size-based rotation,
// identified by a component name and, once a Session or a peer is known,
// by a session id and/or peer id carried on every line it emits.
type Logger struct {
	mu        sync.RWMutex
	output    io.Writer
	level     Level
	fields    Fields
	logFile   *os.File
	logPath   string
	rotation  rotationPolicy
	component string
	sessionID string
	peerID    string
}

// New creates a logger for component, writing JSON lines to logPath. An
// empty logPath writes to stdout instead of a file.
func New(component string, level Level, logPath string) (*Logger, error) {
	l := &Logger{
		level:     level,
		fields:    make(Fields),
		component: component,
		logPath:   logPath,
		rotation:  defaultRotation,
	}

	if logPath == "" {
		l.output = os.Stdout
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l.logFile = file
	l.output = file
	return l, nil
}

// SetLevel sets the minimum level that is actually written.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// clone copies everything a child logger inherits from its parent; callers
// then override whichever of component/sessionID/peerID/fields changed.
func (l *Logger) clone() *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	child := &Logger{
		output:    l.output,
		level:     l.level,
		fields:    make(Fields, len(l.fields)),
		logFile:   l.logFile,
		logPath:   l.logPath,
		rotation:  l.rotation,
		component: l.component,
		sessionID: l.sessionID,
		peerID:    l.peerID,
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	return child
}

// With returns a child logger tagged with a new component name, used to
// mark log lines coming from a particular collaborator (a transport, a
// registry backend) without losing the parent's session/peer correlation.
func (l *Logger) With(component string) *Logger {
	child := l.clone()
	child.component = component
	return child
}

// WithFields returns a child logger with additional global fields merged in.
func (l *Logger) WithFields(fields Fields) *Logger {
	child := l.clone()
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// WithSession returns a child logger that stamps every subsequent line with
// sessionID, so a relay juggling many concurrent handshakes can isolate one
// session's lines without threading a session id through every log call.
func (l *Logger) WithSession(sessionID [8]byte) *Logger {
	child := l.clone()
	child.sessionID = hex.EncodeToString(sessionID[:])
	return child
}

// WithPeer returns a child logger that stamps every subsequent line with
// the claimed peer id a connection is negotiating on behalf of.
func (l *Logger) WithPeer(peerID string) *Logger {
	child := l.clone()
	child.peerID = peerID
	return child
}

func (l *Logger) log(level Level, msg string, fields Fields, code string) {
	l.mu.RLock()
	currentLevel := l.level
	output := l.output
	globalFields := l.fields
	component := l.component
	sessionID := l.sessionID
	peerID := l.peerID
	l.mu.RUnlock()

	if level < currentLevel {
		return
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Component: component,
		SessionID: sessionID,
		PeerID:    peerID,
		Code:      code,
		Fields:    make(map[string]interface{}, len(globalFields)+len(fields)),
	}
	for k, v := range globalFields {
		e.Fields[k] = v
	}
	for k, v := range fields {
		e.Fields[k] = v
	}

	if _, file, line, ok := runtime.Caller(2); ok {
		e.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	if level >= ERROR {
		e.StackTrace = stackTrace(3)
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(output, "ERROR: failed to marshal log entry: %v\n", err)
		return
	}
	fmt.Fprintf(output, "%s\n", data)

	l.rotateIfNeeded()

	if level == FATAL {
		l.Close()
		os.Exit(1)
	}
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.log(DEBUG, msg, first(fields), "") }
func (l *Logger) Info(msg string, fields ...Fields)  { l.log(INFO, msg, first(fields), "") }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.log(WARN, msg, first(fields), "") }
func (l *Logger) Error(msg string, fields ...Fields) { l.log(ERROR, msg, first(fields), "") }
func (l *Logger) Fatal(msg string, fields ...Fields) { l.log(FATAL, msg, first(fields), "") }

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(DEBUG, fmt.Sprintf(format, args...), nil, "") }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(INFO, fmt.Sprintf(format, args...), nil, "") }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(WARN, fmt.Sprintf(format, args...), nil, "") }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(ERROR, fmt.Sprintf(format, args...), nil, "") }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.log(FATAL, fmt.Sprintf(format, args...), nil, "") }

// Err logs err at level, folding in its message (and, when err is a
// *sessionerr.Error, its opaque Code) instead of making every call site
// format that by hand. A nil err logs msg plain, same as Error/Warn.
func (l *Logger) Err(level Level, msg string, err error, fields Fields) {
	if err == nil {
		l.log(level, msg, fields, "")
		return
	}
	merged := make(Fields, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["error"] = err.Error()

	code := ""
	if se, ok := err.(*sessionerr.Error); ok {
		code = se.Code.String()
	}
	l.log(level, msg, merged, code)
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

func (l *Logger) rotateIfNeeded() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile == nil || l.logPath == "" {
		return
	}
	info, err := l.logFile.Stat()
	if err != nil || info.Size() < l.rotation.maxSize {
		return
	}

	l.logFile.Close()
	rotateBackups(l.logPath, l.rotation.maxBackups)

	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		l.output = os.Stdout
		return
	}
	l.logFile = file
	l.output = file
}

// rotateBackups shifts path.1..path.(maxBackups-1) up by one slot and moves
// the live file into path.1, discarding anything that would fall past
// maxBackups.
func rotateBackups(path string, maxBackups int) {
	for i := maxBackups - 1; i > 0; i-- {
		os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	os.Rename(path, fmt.Sprintf("%s.1", path))
}

// Close releases the underlying log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

func stackTrace(skip int) string {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	var trace string
	for {
		frame, more := frames.Next()
		trace += fmt.Sprintf("\n  %s:%d %s", filepath.Base(frame.File), frame.Line, frame.Function)
		if !more {
			break
		}
	}
	return trace
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// InitDefault initializes the package-level default logger. Safe to call
// once at process startup; subsequent calls are no-ops.
func InitDefault(component string, level Level, logPath string) error {
	var err error
	once.Do(func() {
		defaultLogger, err = New(component, level, logPath)
	})
	return err
}

// Default returns the package-level logger, falling back to an unbuffered
// stdout logger if InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger, _ = New("securesession", INFO, "")
	}
	return defaultLogger
}

func Debug(msg string, fields ...Fields) { Default().Debug(msg, fields...) }
func Info(msg string, fields ...Fields)  { Default().Info(msg, fields...) }
func Warn(msg string, fields ...Fields)  { Default().Warn(msg, fields...) }
func Error(msg string, fields ...Fields) { Default().Error(msg, fields...) }
func Fatal(msg string, fields ...Fields) { Default().Fatal(msg, fields...) }
