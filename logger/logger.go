package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level представляет уровень логирования
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String возвращает строковое представление уровня
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// zapLevel переводит уровень в уровень zap
func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel
	}
}

func fromZapLevel(l zapcore.Level) Level {
	switch l {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.InfoLevel:
		return INFO
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	default:
		return FATAL
	}
}

// Logger представляет логгер с уровнями поверх zap
type Logger struct {
	level zap.AtomicLevel
	sugar *zap.SugaredLogger
}

// New создает новый логгер
func New(level Level, output io.Writer, prefix string) *Logger {
	if output == nil {
		output = os.Stdout
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000")
	if isTerminal(output) {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	encCfg.CallerKey = ""

	atom := zap.NewAtomicLevelAt(level.zapLevel())
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(output)),
		atom,
	)

	base := zap.New(core)
	if prefix != "" {
		base = base.Named(prefix)
	}

	return &Logger{
		level: atom,
		sugar: base.Sugar(),
	}
}

// isTerminal проверяет, является ли output терминалом
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Named возвращает дочерний логгер с именем компонента.
// Уровень общий с родителем.
func (l *Logger) Named(name string) *Logger {
	return &Logger{
		level: l.level,
		sugar: l.sugar.Named(name),
	}
}

// SetLevel устанавливает минимальный уровень логирования
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// GetLevel возвращает текущий уровень логирования
func (l *Logger) GetLevel() Level {
	return fromZapLevel(l.level.Level())
}

// Debug логирует сообщение уровня DEBUG
func (l *Logger) Debug(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

// Info логирует сообщение уровня INFO
func (l *Logger) Info(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

// Warn логирует сообщение уровня WARN
func (l *Logger) Warn(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

// Error логирует сообщение уровня ERROR
func (l *Logger) Error(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

// Fatal логирует сообщение уровня FATAL и завершает программу
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.sugar.Fatalf(format, v...)
}

// Sync сбрасывает буферы zap
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// ParseLevel парсит строку в Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", s)
	}
}

// Глобальный логгер по умолчанию
var globalLogger = New(INFO, os.Stdout, "")

// SetGlobalLevel устанавливает уровень глобального логгера
func SetGlobalLevel(level Level) {
	globalLogger.SetLevel(level)
}

// SetGlobalLevelFromString устанавливает уровень глобального логгера из строки
func SetGlobalLevelFromString(s string) error {
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	globalLogger.SetLevel(level)
	return nil
}

// Debug логирует через глобальный логгер
func Debug(format string, v ...interface{}) {
	globalLogger.Debug(format, v...)
}

// Info логирует через глобальный логгер
func Info(format string, v ...interface{}) {
	globalLogger.Info(format, v...)
}

// Warn логирует через глобальный логгер
func Warn(format string, v ...interface{}) {
	globalLogger.Warn(format, v...)
}

// Error логирует через глобальный логгер
func Error(format string, v ...interface{}) {
	globalLogger.Error(format, v...)
}

// Fatal логирует через глобальный логгер и завершает программу
func Fatal(format string, v ...interface{}) {
	globalLogger.Fatal(format, v...)
}

// Global возвращает глобальный логгер
func Global() *Logger {
	return globalLogger
}
