package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOption 日志初始化参数
type LogOption struct {
	Format   string // console / json
	LogDir   string // 为空时只输出到 stdout
	Level    string // debug / info / warn / error
	Compress bool   // 是否压缩轮转后的旧文件
}

const (
	logFileName   = "sync.log"
	maxSizeMB     = 200
	maxBackups    = 20
	maxAgeDays    = 14
	callerSkipCnt = 1
)

var sugar atomic.Pointer[zap.SugaredLogger]

func init() {
	// Init 之前（如单测）使用开发模式输出到 stderr
	l, err := zap.NewDevelopment(zap.AddCallerSkip(callerSkipCnt))
	if err != nil {
		l = zap.NewNop()
	}
	sugar.Store(l.Sugar())
}

// Init 根据配置初始化全局 logger，可重复调用，后一次覆盖前一次
func Init(opt LogOption) error {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(defaultStr(opt.Level, "info")))); err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(opt.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if opt.LogDir != "" {
		if err := os.MkdirAll(opt.LogDir, 0o755); err != nil {
			return err
		}
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   filepath.Join(opt.LogDir, logFileName),
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   opt.Compress,
			LocalTime:  true,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	l := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(callerSkipCnt), zap.AddStacktrace(zapcore.ErrorLevel))
	sugar.Store(l.Sugar())
	return nil
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func Debugf(template string, args ...interface{}) {
	sugar.Load().Debugf(template, args...)
}

func Infof(template string, args ...interface{}) {
	sugar.Load().Infof(template, args...)
}

func Warnf(template string, args ...interface{}) {
	sugar.Load().Warnf(template, args...)
}

func Errorf(template string, args ...interface{}) {
	sugar.Load().Errorf(template, args...)
}

// Sync 刷新缓冲区，退出前调用
func Sync() {
	_ = sugar.Load().Sync()
}
