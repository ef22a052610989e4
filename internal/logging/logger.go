// Package logging builds the process zap logger and the HTTP access log.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config defines logger configuration. Output is stdout, stderr or file;
// file output rotates through lumberjack.
type Config struct {
	Level                string        `mapstructure:"level"`
	Format               string        `mapstructure:"format"`
	Output               string        `mapstructure:"output"`
	FilePath             string        `mapstructure:"file_path"`
	MaxSize              int           `mapstructure:"max_size"` // MB
	MaxBackups           int           `mapstructure:"max_backups"`
	MaxAge               int           `mapstructure:"max_age"` // days
	Compress             bool          `mapstructure:"compress"`
	SlowRequestThreshold time.Duration `mapstructure:"slow_request_threshold"`
}

// DefaultConfig returns reasonable default configuration
func DefaultConfig() Config {
	return Config{
		Level:                "info",
		Format:               "json",
		Output:               "stdout",
		FilePath:             "logs/engine.log",
		MaxSize:              100,
		MaxBackups:           5,
		MaxAge:               28,
		SlowRequestThreshold: 500 * time.Millisecond,
	}
}

// New builds a logger from config. The returned level can be changed at
// runtime.
func New(config Config) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zap.ParseAtomicLevel(strings.ToLower(config.Level))
	if err != nil {
		return nil, level, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	switch config.Format {
	case "json", "":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, level, fmt.Errorf("unknown log format %q", config.Format)
	}

	w, err := writer(config)
	if err != nil {
		return nil, level, err
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), level, nil
}

func writer(config Config) (io.Writer, error) {
	switch config.Output {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "file":
		if config.FilePath == "" {
			return nil, fmt.Errorf("file output requires file_path")
		}
		return &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}, nil
	default:
		return nil, fmt.Errorf("unknown log output %q", config.Output)
	}
}

// HTTPLoggingMiddleware writes one access log line per request. Server
// errors log at error level and requests slower than slow at warn.
func HTTPLoggingMiddleware(logger *zap.Logger, slow time.Duration) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		}
		if raw != "" {
			fields = append(fields, zap.String("query", raw))
		}
		if reqID := c.GetString("request_id"); reqID != "" {
			fields = append(fields, zap.String("request_id", reqID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("HTTP request", fields...)
		case slow > 0 && latency > slow:
			logger.Warn("slow HTTP request", fields...)
		default:
			logger.Info("HTTP request", fields...)
		}
	}
}
