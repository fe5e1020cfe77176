package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	Logger = zap.NewNop()
	Sugar  = Logger.Sugar()
)

// Init はグローバルロガーを初期化する
// development=true の場合はコンソール出力、それ以外はJSONファイル(ローテーション付き)+標準出力
func Init(development bool, logPath string, level string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}

	var l *zap.Logger
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		l, err = cfg.Build(zap.AddCallerSkip(1))
	} else {
		l, err = newProductionLogger(logPath, lvl)
	}
	if err != nil {
		return err
	}

	Logger = l
	Sugar = l.Sugar()
	zap.ReplaceGlobals(l)
	return nil
}

func newProductionLogger(logPath string, lvl zapcore.Level) (*zap.Logger, error) {
	if logPath == "" {
		logPath = "./logs/marketplace.log"
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fileWriter := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeDuration = zapcore.MillisDurationEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), fileWriter, lvl),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stdout), lvl),
	)

	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "", "info":
		return zap.InfoLevel, nil
	case "debug":
		return zap.DebugLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

// Sync はバッファをフラッシュする
func Sync() {
	_ = Logger.Sync()
}

func Debug(msg string, fields ...zap.Field) {
	Logger.Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	Logger.Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	Logger.Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	Logger.Error(msg, fields...)
}

// Fatal はログを出力して終了する
func Fatal(msg string, fields ...zap.Field) {
	Logger.Fatal(msg, fields...)
}
