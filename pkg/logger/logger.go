package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// AlertField 需要告警的日志条目携带该字段
const AlertField = "alert"

var (
	// Logger 全局日志实例
	Logger = logrus.New()
	// logMu 初始化锁
	logMu sync.Mutex
)

// Config 日志配置
type Config struct {
	Level      string `mapstructure:"level"`       // 日志级别: debug, info, warn, error
	OutputFile string `mapstructure:"output_file"` // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize    int    `mapstructure:"max_size"`    // 日志文件最大大小（MB）
	MaxBackups int    `mapstructure:"max_backups"` // 保留的旧日志文件数量
	MaxAge     int    `mapstructure:"max_age"`     // 保留旧日志文件的天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧日志文件
}

// Init 初始化日志系统
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05.000",
	})

	writers := []io.Writer{os.Stdout}
	if config.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputFile), 0755); err != nil {
			return fmt.Errorf("创建日志目录失败: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		})
	}
	logger.SetOutput(io.MultiWriter(writers...))

	// 保留已注册的 hook（告警等）
	logger.ReplaceHooks(Logger.Hooks)

	Logger = logger
	return nil
}

// AddHook 注册 logrus hook
func AddHook(hook logrus.Hook) {
	logMu.Lock()
	defer logMu.Unlock()
	Logger.AddHook(hook)
}

// Debugf 记录格式化的 DEBUG 级别日志
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// Infof 记录格式化的 INFO 级别日志
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Warnf 记录格式化的 WARN 级别日志
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Errorf 记录格式化的 ERROR 级别日志
func Errorf(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}

// Critical 记录需要人工介入的严重错误，进程不退出，并触发告警
func Critical(format string, args ...interface{}) {
	Logger.WithField(AlertField, true).Errorf(format, args...)
}

// WithField 添加字段到日志上下文
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields 添加多个字段到日志上下文
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}
