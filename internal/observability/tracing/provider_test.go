package tracing

import (
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsCardholderFields(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("descriptor", "JOES COFFEE #4"),
		attribute.String("http.route", "/v1/transactions/:id"),
		attribute.Float64("latitude", 1.2),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestSafeErrorKeepsPrefixOnly(t *testing.T) {
	err := fmt.Errorf("fetch batch: %w", errors.New("near \"JOES\": syntax error"))
	safe := SafeError(err)
	if safe.Error() != "fetch batch" {
		t.Fatalf("expected prefix only, got %q", safe.Error())
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestSamplingRatioClamps(t *testing.T) {
	if samplingRatio(-1) != 0 || samplingRatio(2) != 1 || samplingRatio(0.25) != 0.25 {
		t.Fatalf("sampling ratio not clamped")
	}
}

func TestNewExporterRejectsUnknownProtocol(t *testing.T) {
	if _, err := newExporter("thrift", ""); err == nil {
		t.Fatalf("expected error for unsupported protocol")
	}
}
