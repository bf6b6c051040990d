// Package logger builds the zap loggers shared by every component.
package logger

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON sugared logger at info level tagged with the service name.
func New(service string) (*zap.SugaredLogger, error) {
	return NewWithLevel(service, "info")
}

// NewWithLevel is like New but takes a textual level ("debug", "info", ...).
func NewWithLevel(service, level string) (*zap.SugaredLogger, error) {
	return NewWithWriter(service, level, os.Stderr)
}

func NewWithWriter(service, level string, w io.Writer) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		NameKey:     "logger",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
		EncodeName:  zapcore.FullNameEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		lvl,
	)

	return zap.New(core).Named(service).Sugar(), nil
}

// Nop discards everything. Used by tests.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
