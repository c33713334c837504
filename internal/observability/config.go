package observability

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/rewardlink/internal/config"
)

// Config holds observability settings. Values come from the app config with
// OTEL_* and LOG_* environment overrides.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel         string
	LogFormat        string
	LogSampleInitial int
	LogSampleAfter   int
	LogSampleWindow  time.Duration
	LogIncludeCaller bool

	OtelEnabled          bool
	MetricsEnabled       bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	out := Config{
		ServiceName: firstNonEmpty(cfg.AppName, "rewardlink"),
		Environment: env("DEPLOYMENT_ENV", cfg.Environment),
		Version:     env("SERVICE_VERSION", cfg.AppVersion),

		LogLevel:         strings.ToLower(env("LOG_LEVEL", "info")),
		LogFormat:        logFormat(env("LOG_FORMAT", "json")),
		LogSampleInitial: envInt("LOG_SAMPLING_INITIAL", 100),
		LogSampleAfter:   envInt("LOG_SAMPLING_THEREAFTER", 100),
		LogSampleWindow:  time.Second,
		LogIncludeCaller: envBool("LOG_INCLUDE_CALLER", true),

		OtelEnabled:          envBool("OTEL_ENABLED", false),
		OtelExporterEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint),
		OtelExporterProtocol: exporterProtocol(env("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		OtelSamplingRatio:    clampRatio(envFloat("OTEL_SAMPLING_RATIO", 0.1)),
	}
	if traces := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); traces != "" {
		out.OtelExporterProtocol = exporterProtocol(traces)
	}
	// OTel metrics follow tracing unless set on their own; prometheus
	// scheduler metrics are always on.
	out.MetricsEnabled = envBool("OTEL_METRICS_ENABLED", out.OtelEnabled)
	return out
}

func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func logFormat(raw string) string {
	if strings.EqualFold(strings.TrimSpace(raw), "console") {
		return "console"
	}
	return "json"
}

func exporterProtocol(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "http", "http/protobuf":
		return "http"
	default:
		return "grpc"
	}
}

func clampRatio(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func env(key, def string) string {
	return firstNonEmpty(os.Getenv(key), def)
}

func envBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return v
}
