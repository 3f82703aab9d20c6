package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LoggingConfig contains logging configuration.
// Supports structured (JSON) and human-readable (text) formats.
// In Kubernetes environments, JSON format is recommended for log aggregation.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	Output string `json:"output" yaml:"output"`
}

// ProductionLogger is the standard Logger implementation.
// It emits JSON when running in Kubernetes (or when configured) and
// human-readable text otherwise. Writes are serialized with a mutex so
// concurrent components never interleave lines.
type ProductionLogger struct {
	level       int
	format      string
	serviceName string
	out         io.Writer
	mu          sync.Mutex
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func parseLevel(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return levelDebug
	case "warn", "warning":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// NewProductionLogger creates a logger for one service.
// Configuration priority: explicit config, then environment
// (YMERA_LOG_LEVEL, YMERA_LOG_FORMAT), then Kubernetes auto-detection.
func NewProductionLogger(cfg LoggingConfig, serviceName string) *ProductionLogger {
	level := cfg.Level
	if level == "" {
		level = os.Getenv("YMERA_LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}

	format := cfg.Format
	if format == "" {
		format = os.Getenv("YMERA_LOG_FORMAT")
	}
	if format == "" {
		if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
			format = "json"
		} else {
			format = "text"
		}
	}

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}

	return &ProductionLogger{
		level:       parseLevel(level),
		format:      format,
		serviceName: serviceName,
		out:         out,
	}
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(levelInfo, "INFO", msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(levelWarn, "WARN", msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(levelError, "ERROR", msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(levelDebug, "DEBUG", msg, fields)
}

func (l *ProductionLogger) log(level int, levelName, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		record := make(map[string]interface{}, len(fields)+4)
		for k, v := range fields {
			record[k] = v
		}
		record["timestamp"] = now
		record["level"] = levelName
		record["service"] = l.serviceName
		record["message"] = msg

		data, err := json.Marshal(record)
		if err != nil {
			// Fields contained something unmarshalable; emit the message alone.
			fmt.Fprintf(l.out, `{"timestamp":%q,"level":%q,"service":%q,"message":%q,"marshal_error":%q}`+"\n",
				now, levelName, l.serviceName, msg, err.Error())
			return
		}
		fmt.Fprintln(l.out, string(data))
		return
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s: %s", now, levelName, l.serviceName, msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	fmt.Fprintln(l.out, b.String())
}
