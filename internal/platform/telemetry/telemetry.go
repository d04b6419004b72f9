// Package telemetry configures OpenTelemetry tracing for the server and
// instruments HTTP requests. Spans started by the queue and wallet services
// become children of the request span.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/clinicq/clinicq/internal/platform/telemetry"

const TraceIDHeader = "X-Trace-Id"

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is host:port or the URL of an OTLP/HTTP collector. Empty keeps
	// tracing in-process: spans are sampled but never exported.
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRate   float64
}

// Provider owns the tracer provider installed as the global one.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init installs a global tracer provider and W3C propagators. Extra span
// processors are registered alongside the exporter; tests use them to
// capture spans.
func Init(ctx context.Context, cfg Config, processors ...sdktrace.SpanProcessor) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes("",
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironmentName(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}
	if cfg.OTLPEndpoint != "" {
		expOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if strings.Contains(cfg.OTLPEndpoint, "://") {
			expOpts = []otlptracehttp.Option{otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint)}
		}
		if cfg.OTLPInsecure {
			expOpts = append(expOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	for _, p := range processors {
		opts = append(opts, sdktrace.WithSpanProcessor(p))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

// Middleware opens a server span per request, continuing any trace the
// caller propagated, and echoes the trace id in X-Trace-Id.
func Middleware() echo.MiddlewareFunc {
	tracer := otel.Tracer(tracerName)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := tracer.Start(ctx, req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("user_agent.original", req.UserAgent()),
				),
			)
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			if sc := span.SpanContext(); sc.HasTraceID() {
				c.Response().Header().Set(TraceIDHeader, sc.TraceID().String())
			}

			err := next(c)

			status := c.Response().Status
			if err != nil {
				span.RecordError(err)
				if !c.Response().Committed {
					status = http.StatusInternalServerError
					var he *echo.HTTPError
					if errors.As(err, &he) {
						status = he.Code
					}
				}
			}
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
			}
			return err
		}
	}
}
