package logutil

import (
    "fmt"
    "log"
    "os"
    "strings"
    "sync"
    "sync/atomic"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
)

var (
    jsonMode  atomic.Bool
    debugMode atomic.Bool
    // zap loggers keyed by the destination writer of the *log.Logger.
    structured sync.Map
)

func init() {
    if os.Getenv("GROUP_LOG_JSON") == "1" || os.Getenv("GROUP_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
    if strings.EqualFold(os.Getenv("GROUP_LOG_LEVEL"), "debug") {
        debugMode.Store(true)
    }
}

func prefix(l *log.Logger, p string) *log.Logger {
    if l == nil { l = log.Default() }
    return log.New(l.Writer(), p, l.Flags())
}

func SetJSON(enabled bool)  { jsonMode.Store(enabled) }
func SetDebug(enabled bool) { debugMode.Store(enabled) }

func Debugf(l *log.Logger, f string, args ...any) {
    if !debugMode.Load() { return }
    logf(l, zapcore.DebugLevel, f, args...)
}
func Infof(l *log.Logger, f string, args ...any)  { logf(l, zapcore.InfoLevel, f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, zapcore.WarnLevel, f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, zapcore.ErrorLevel, f, args...) }

func logf(l *log.Logger, level zapcore.Level, f string, args ...any) {
    if l == nil { l = log.Default() }
    if jsonMode.Load() {
        if ce := jsonLogger(l).Check(level, fmt.Sprintf(f, args...)); ce != nil {
            ce.Write()
        }
        return
    }
    prefix(l, strings.ToUpper(level.String())+" ").Printf(f, args...)
}

func jsonLogger(l *log.Logger) *zap.Logger {
    w := l.Writer()
    if z, ok := structured.Load(w); ok {
        return z.(*zap.Logger)
    }
    enc := zap.NewProductionEncoderConfig()
    enc.TimeKey = "ts"
    enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
    core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(w), zapcore.DebugLevel)
    z, _ := structured.LoadOrStore(w, zap.New(core))
    return z.(*zap.Logger)
}
