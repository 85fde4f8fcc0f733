package logging

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rotator *lumberjack.Logger

// Setup builds the process logger. With an empty file path logs go to
// stderr only; otherwise they are duplicated into a rotated file.
func Setup(level, file string, maxSizeMB, maxBackups int) error {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.Set(level); err != nil {
			return err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if file != "" {
		rotator = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		}
		sinks = append(sinks, zapcore.AddSync(rotator))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), lvl)
	zap.ReplaceGlobals(zap.New(core))
	return nil
}

// Rotate closes the current log file and starts a new one. No-op when
// logging to stderr only.
func Rotate() error {
	if rotator == nil {
		return nil
	}
	return rotator.Rotate()
}

func Sync() {
	_ = zap.S().Sync()
}
