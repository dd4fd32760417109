package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	mutationSpanName    = "boardhub.api.mutation"
	mutationEventName   = "mutation.request.metrics"
	mutationEventDomain = "boardhub"
)

// mutationRequestMetrics captures timing and outcome of one mutation
// request. It backs both the structured log line and the request span; the
// span carries the same attributes so traces and logs can be correlated.
type mutationRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	route           string
	authDuration    time.Duration
	serviceDuration time.Duration
	errorStage      string
}

func newMutationRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*mutationRequestMetrics, context.Context) {
	m := &mutationRequestMetrics{
		logger: logger,
		start:  time.Now(),
		route:  route,
	}
	spanCtx, span := otel.Tracer("boardhub/api").Start(ctx, mutationSpanName,
		trace.WithAttributes(attribute.String("http.route", route)))
	m.span = span
	return m, spanCtx
}

func (m *mutationRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration > 0 {
		m.authDuration = duration
	}
}

func (m *mutationRequestMetrics) ObserveService(duration time.Duration) {
	if duration > 0 {
		m.serviceDuration = duration
	}
}

func (m *mutationRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log finishes the span and emits one observability event for the request.
func (m *mutationRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	attrs := map[string]any{
		"http.route":                 m.route,
		"http.status_code":           status,
		"boardhub.mutation.total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.authDuration > 0 {
		attrs["boardhub.mutation.auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.serviceDuration > 0 {
		attrs["boardhub.mutation.service_ms"] = durationToMillis(m.serviceDuration)
	}
	if m.errorStage != "" {
		attrs["boardhub.mutation.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error"] = err.Error()
	}

	if m.span != nil {
		spanAttrs := []attribute.KeyValue{
			attribute.String("http.route", m.route),
			attribute.Int("http.status_code", status),
		}
		if m.errorStage != "" {
			spanAttrs = append(spanAttrs, attribute.String("boardhub.mutation.error_stage", m.errorStage))
		}
		m.span.SetAttributes(spanAttrs...)
		if err != nil || status >= 500 {
			m.span.SetStatus(codes.Error, m.errorStage)
			if err != nil {
				m.span.RecordError(err)
			}
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.AddEvent("observability.event", trace.WithAttributes(
			attribute.String("event.name", mutationEventName),
			attribute.Float64("boardhub.mutation.total_ms", durationToMillis(time.Since(m.start))),
		))
		m.span.End()
	}

	if m.logger != nil {
		m.logger.WithFields(log.Fields{
			"event.name":   mutationEventName,
			"event.domain": mutationEventDomain,
			"attributes":   attrs,
		}).Info("observability.event")
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
