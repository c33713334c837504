package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes OTel instruments for reconcile outcomes.
type Metrics struct {
	outcomes       metric.Int64Counter
	credits        metric.Int64Counter
	resolverScore  metric.Float64Histogram
	triggerAllowed metric.Int64Counter
	triggerDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}
	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

// New configures the reconcile instruments on the given provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "rewardlink"
	}
	meter := provider.Meter(name)

	outcomes, err := meter.Int64Counter("rewardlink_reconcile_outcomes_total")
	if err != nil {
		return nil, err
	}
	credits, err := meter.Int64Counter("rewardlink_usage_credits_total")
	if err != nil {
		return nil, err
	}
	resolverScore, err := meter.Float64Histogram("rewardlink_resolver_top_score")
	if err != nil {
		return nil, err
	}
	triggerAllowed, err := meter.Int64Counter("rewardlink_trigger_allowed_total")
	if err != nil {
		return nil, err
	}
	triggerDenied, err := meter.Int64Counter("rewardlink_trigger_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		outcomes:       outcomes,
		credits:        credits,
		resolverScore:  resolverScore,
		triggerAllowed: triggerAllowed,
		triggerDenied:  triggerDenied,
	}, nil
}

// RecordOutcome counts a committed match outcome.
func (m *Metrics) RecordOutcome(ctx context.Context, state, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("state", strings.TrimSpace(state)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCredit counts usage gate results: granted, denied, replayed or error.
func (m *Metrics) RecordCredit(ctx context.Context, featureID, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature_id", strings.TrimSpace(featureID)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.credits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordResolverScore(ctx context.Context, score float64) {
	if m == nil {
		return
	}
	m.resolverScore.Record(ctx, score)
}

func (m *Metrics) RecordTriggerAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.triggerAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordTriggerDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.triggerDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"state":       {},
	"reason":      {},
	"feature_id":  {},
	"result":      {},
	"endpoint":    {},
	"status_code": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
