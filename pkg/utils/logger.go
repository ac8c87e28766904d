package utils

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// NewLogger 创建根日志器，并设为包级默认日志器。
func NewLogger(level log.Level) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	log.SetDefault(logger)
	return logger
}
