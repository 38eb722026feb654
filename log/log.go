// High level log wrapper, so it can output different log based on level.
//
// There are five levels in total: FATAL, ERROR, WARNING, INFO, DEBUG.
// The default log output level is INFO, you can change it by:
// - call log.SetLevel()
// - set environment variable `LOG_LEVEL`

package log

import (
	"fmt"
	"io"
	"log"
	"os"
)

type LogLevel int

const (
	LOG_LEVEL_FATAL LogLevel = iota
	LOG_LEVEL_ERROR
	LOG_LEVEL_WARN
	LOG_LEVEL_INFO
	LOG_LEVEL_DEBUG
)

var _log *Logger = New()

func SetLevel(level LogLevel) {
	_log.SetLevel(level)
}

func GetLogLevel() LogLevel {
	return _log.level
}

func SetLevelByString(level string) {
	_log.SetLevelByString(level)
}

func Debug(v ...interface{}) {
	_log.Debug(v...)
}

func Debugf(format string, v ...interface{}) {
	_log.Debugf(format, v...)
}

func Info(v ...interface{}) {
	_log.Info(v...)
}

func Infof(format string, v ...interface{}) {
	_log.Infof(format, v...)
}

func Warn(v ...interface{}) {
	_log.Warn(v...)
}

func Warnf(format string, v ...interface{}) {
	_log.Warnf(format, v...)
}

func Error(v ...interface{}) {
	_log.Error(v...)
}

func Errorf(format string, v ...interface{}) {
	_log.Errorf(format, v...)
}

func Fatal(v ...interface{}) {
	_log.Fatal(v...)
}

func Fatalf(format string, v ...interface{}) {
	_log.Fatalf(format, v...)
}

type Logger struct {
	_log  *log.Logger
	level LogLevel
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
}

func (l *Logger) SetLevelByString(level string) {
	l.level = StringToLogLevel(level)
}

func (l *Logger) log(t LogLevel, v ...interface{}) {
	l.logf(t, "%v\n", v)
}

func (l *Logger) logf(t LogLevel, format string, v ...interface{}) {
	if t > l.level {
		return
	}
	s := "[" + LogLevelToString(t) + "] " + fmt.Sprintf(format, v...)
	l._log.Output(4, s)
}

func (l *Logger) Fatal(v ...interface{}) {
	l.log(LOG_LEVEL_FATAL, v...)
	os.Exit(-1)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.logf(LOG_LEVEL_FATAL, format, v...)
	os.Exit(-1)
}

func (l *Logger) Error(v ...interface{}) {
	l.log(LOG_LEVEL_ERROR, v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logf(LOG_LEVEL_ERROR, format, v...)
}

func (l *Logger) Warn(v ...interface{}) {
	l.log(LOG_LEVEL_WARN, v...)
}

func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logf(LOG_LEVEL_WARN, format, v...)
}

func (l *Logger) Info(v ...interface{}) {
	l.log(LOG_LEVEL_INFO, v...)
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.logf(LOG_LEVEL_INFO, format, v...)
}

func (l *Logger) Debug(v ...interface{}) {
	l.log(LOG_LEVEL_DEBUG, v...)
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logf(LOG_LEVEL_DEBUG, format, v...)
}

func StringToLogLevel(level string) LogLevel {
	switch level {
	case "fatal":
		return LOG_LEVEL_FATAL
	case "error":
		return LOG_LEVEL_ERROR
	case "warn", "warning":
		return LOG_LEVEL_WARN
	case "debug":
		return LOG_LEVEL_DEBUG
	case "info":
		return LOG_LEVEL_INFO
	}
	return LOG_LEVEL_DEBUG
}

func LogLevelToString(t LogLevel) string {
	switch t {
	case LOG_LEVEL_FATAL:
		return "fatal"
	case LOG_LEVEL_ERROR:
		return "error"
	case LOG_LEVEL_WARN:
		return "warning"
	case LOG_LEVEL_INFO:
		return "info"
	case LOG_LEVEL_DEBUG:
		return "debug"
	}
	return "unknown"
}

func New() *Logger {
	return NewLogger(os.Stderr, "")
}

func NewLogger(w io.Writer, prefix string) *Logger {
	level := LOG_LEVEL_INFO
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		level = StringToLogLevel(l)
	}
	return &Logger{_log: log.New(w, prefix, log.LstdFlags|log.Lshortfile), level: level}
}
