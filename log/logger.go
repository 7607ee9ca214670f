// Package log provides the small level-filtered logger used throughout
// the dcpclient packages.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
)

type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

const (
	levelErrorStr = "Error"
	levelWarnStr  = "Warn"
	levelInfoStr  = "Info"
	levelDebugStr = "Debug"
	levelTraceStr = "Trace"
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return levelErrorStr
	case LevelWarn:
		return levelWarnStr
	case LevelInfo:
		return levelInfoStr
	case LevelDebug:
		return levelDebugStr
	case LevelTrace:
		return levelTraceStr
	default:
		return "Unknown"
	}
}

// Context carries the output sink and the level filter shared by a
// tree of loggers, the way goxdcr's LoggerContext threads a
// Log_file/Log_level pair through NewLogger calls.
type Context struct {
	Output io.Writer
	Level  Level
}

func CopyContext(ctx *Context) *Context {
	if ctx == nil {
		return DefaultContext
	}
	return &Context{Output: ctx.Output, Level: ctx.Level}
}

var DefaultContext = &Context{Output: os.Stderr, Level: LevelInfo}

// CommonLogger is a level-filtered wrapper around the standard
// library's log.Logger, tagged with the module that owns it.
type CommonLogger struct {
	module string
	logger *log.Logger
	ctx    *Context
}

func New(module string, ctx *Context) *CommonLogger {
	if ctx == nil {
		ctx = DefaultContext
	}
	return &CommonLogger{
		module: module,
		logger: log.New(ctx.Output, "["+module+"] ", log.Lmicroseconds|log.Lshortfile),
		ctx:    ctx,
	}
}

func (l *CommonLogger) logf(level Level, prefix, format string, v ...interface{}) {
	if l == nil || l.ctx == nil || l.ctx.Level < level {
		return
	}
	l.logger.Output(3, prefix+fmt.Sprintf(format, v...))
}

func (l *CommonLogger) Errorf(format string, v ...interface{}) { l.logf(LevelError, "[ERROR] ", format, v...) }
func (l *CommonLogger) Warnf(format string, v ...interface{})  { l.logf(LevelWarn, "[WARN] ", format, v...) }
func (l *CommonLogger) Infof(format string, v ...interface{})  { l.logf(LevelInfo, "[INFO] ", format, v...) }
func (l *CommonLogger) Debugf(format string, v ...interface{}) { l.logf(LevelDebug, "[DEBUG] ", format, v...) }
func (l *CommonLogger) Tracef(format string, v ...interface{}) { l.logf(LevelTrace, "[TRACE] ", format, v...) }
