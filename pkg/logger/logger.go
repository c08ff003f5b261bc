package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide logger. It is a no-op until Init is called so
// packages and tests can log unconditionally.
var Logger = zap.NewNop()

// Init configures Logger at the given level ("debug", "info", ...). Output
// goes to logFile as JSON when set, otherwise to stderr in console format.
func Init(logFile string, level string) error {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	atom := zap.NewAtomicLevel()
	if level != "" {
		if err := atom.UnmarshalText([]byte(level)); err != nil {
			return err
		}
	}

	var core zapcore.Core
	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		core = zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.AddSync(file), atom)
	} else {
		cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stderr), atom)
	}
	Logger = zap.New(core, zap.AddCaller())
	return nil
}

// Named returns a child logger for a component.
func Named(component string) *zap.Logger {
	return Logger.Named(component)
}
