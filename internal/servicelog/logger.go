// Package servicelog adapts zap for use inside an OS service process,
// where stdout/stderr are not reliably attached to anything, and gives
// every CSC component a logging surface that does not depend on zap
// directly.
package servicelog

import (
	"net/url"
	"time"

	"github.com/kardianos/service"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error {
	return nil
}

// Attrib is a structured logging field, built by the helpers below.
type Attrib = zap.Field

func String(name, value string) Attrib          { return zap.String(name, value) }
func Error(err error) Attrib                    { return zap.Error(err) }
func Bool(name string, value bool) Attrib       { return zap.Bool(name, value) }
func Any(name string, value interface{}) Attrib { return zap.Any(name, value) }
func Int(name string, value int) Attrib         { return zap.Int(name, value) }
func Int64(name string, value int64) Attrib     { return zap.Int64(name, value) }
func Uint64(name string, value uint64) Attrib   { return zap.Uint64(name, value) }
func Time(name string, value time.Time) Attrib  { return zap.Time(name, value) }
func Duration(name string, value time.Duration) Attrib {
	return zap.Duration(name, value)
}

// Logger is the structured logging surface every CSC component depends on.
type Logger interface {
	With(attrs ...Attrib) Logger
	Info(msg string, attrs ...Attrib)
	Error(msg string, attrs ...Attrib)
	Warn(msg string, attrs ...Attrib)
	Debug(msg string, attrs ...Attrib)
	Fatal(msg string, attrs ...Attrib)
}

type logger struct {
	zap *zap.Logger
	svc service.Logger
}

// New builds a Logger writing through zap, with a rotating file sink
// registered via lumberjack. When svc is non-nil (the process is
// running as an installed OS service) every Error/Fatal call is
// mirrored to the platform's service logger too, so a failure is
// visible in the system event log even if the rotating file is lost.
func New(svc service.Logger, logFile string, debug bool) Logger {
	zap.RegisterSink("lumberjack", func(u *url.URL) (zap.Sink, error) {
		return lumberjackSink{
			Logger: &lumberjack.Logger{
				Filename:   u.Path,
				MaxSize:    50,
				MaxBackups: 5,
				MaxAge:     28,
				Compress:   true,
			},
		}, nil
	})

	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if logFile != "" {
		cfg.OutputPaths = []string{"lumberjack://" + logFile}
	}
	built, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return &logger{zap: built, svc: svc}
}

func (l *logger) With(attrs ...Attrib) Logger {
	return &logger{zap: l.zap.With(attrs...), svc: l.svc}
}

func (l *logger) Info(msg string, attrs ...Attrib) {
	l.zap.Info(msg, attrs...)
}

func (l *logger) Error(msg string, attrs ...Attrib) {
	l.zap.Error(msg, attrs...)
	if l.svc != nil {
		l.svc.Error(msg)
	}
}

func (l *logger) Warn(msg string, attrs ...Attrib) {
	l.zap.Warn(msg, attrs...)
}

func (l *logger) Debug(msg string, attrs ...Attrib) {
	l.zap.Debug(msg, attrs...)
}

func (l *logger) Fatal(msg string, attrs ...Attrib) {
	l.zap.Error(msg, attrs...)
	if l.svc != nil {
		l.svc.Error(msg)
	}
	panic(msg)
}
