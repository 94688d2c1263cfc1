package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap's SugaredLogger behind a project type so the rest of the
// gateway never imports zap directly.
type Logger struct {
	*zap.SugaredLogger
}

var levelNames = map[string]zapcore.Level{
	DebugLevel: zapcore.DebugLevel,
	InfoLevel:  zapcore.InfoLevel,
	WarnLevel:  zapcore.WarnLevel,
	ErrorLevel: zapcore.ErrorLevel,
}

// parseLevel maps a config level name to zap's level; unknown names fall
// back to info, matching the config default.
func parseLevel(name string) zapcore.Level {
	if lvl, ok := levelNames[name]; ok {
		return lvl
	}
	return zapcore.InfoLevel
}

func newZapLogger(levelName string) *Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.RFC3339TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stdout),
		zap.NewAtomicLevelAt(parseLevel(levelName)),
	)
	return &Logger{SugaredLogger: zap.New(core).Sugar()}
}
