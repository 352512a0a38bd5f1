package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/podtrace/eintrprobe/internal/config"
)

var (
	log         *zap.Logger
	atomicLevel zap.AtomicLevel
)

func init() {
	level := getLogLevel()
	atomicLevel = zap.NewAtomicLevelAt(level)
	log = newLogger(zapcore.AddSync(os.Stderr))
}

func newLogger(ws zapcore.WriteSyncer) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		ws,
		atomicLevel,
	)

	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
}

func getLogLevel() zapcore.Level {
	levelStr := os.Getenv("EINTRPROBE_LOG_LEVEL")
	if levelStr == "" {
		levelStr = config.DefaultLogLevel
	}
	return parseLogLevel(levelStr)
}

func Debug(msg string, fields ...zap.Field) {
	log.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	log.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	log.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	log.Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	log.Fatal(msg, fields...)
}

func Logger() *zap.Logger {
	return log
}

// SetOutput redirects log records to ws and returns a func restoring the
// previous destination. Used by tests that assert on log content.
func SetOutput(ws zapcore.WriteSyncer) func() {
	prev := log
	log = newLogger(ws)
	return func() { log = prev }
}

func Sync() {
	_ = log.Sync()
}

func SetLevel(levelStr string) {
	level := parseLogLevel(levelStr)
	atomicLevel.SetLevel(level)
}

func parseLogLevel(levelStr string) zapcore.Level {
	switch levelStr {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}
