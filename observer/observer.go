// Package observer provides OTEL-based observability for the bot.
//
// Init sets up OTLP HTTP exporters for traces, metrics, and logs;
// NewRecorder adapts the instruments to the florin.Metrics seam the
// executor and payment processor report into. Export targets come from
// the standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/velikov/florin/observer"

// Instruments holds all OTEL instruments the bot emits.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TokenUsage         metric.Int64Counter
	CostTotal          metric.Float64Counter
	LLMRequests        metric.Int64Counter
	ToolExecutions     metric.Int64Counter
	PrecheckRejections metric.Int64Counter
	StarsReceived      metric.Int64Counter
	PaymentsCredited   metric.Int64Counter
	PaymentsRefunded   metric.Int64Counter
	BatchesDispatched  metric.Int64Counter

	// Histograms
	ToolDuration  metric.Float64Histogram
	BatchDuration metric.Float64Histogram
	BatchSize     metric.Int64Histogram
	CreditAmount  metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Returns a shutdown function that must be called on exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("florin")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM and tool cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("Streamed turn count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	precheckRejections, err := meter.Int64Counter("tool.precheck.rejected",
		metric.WithDescription("Paid tool calls rejected by the balance precheck"),
		metric.WithUnit("{rejection}"))
	if err != nil {
		return nil, err
	}

	starsReceived, err := meter.Int64Counter("payment.stars",
		metric.WithDescription("Telegram Stars received"),
		metric.WithUnit("{star}"))
	if err != nil {
		return nil, err
	}

	paymentsCredited, err := meter.Int64Counter("payment.credited",
		metric.WithDescription("Settled top-up count"),
		metric.WithUnit("{payment}"))
	if err != nil {
		return nil, err
	}

	paymentsRefunded, err := meter.Int64Counter("payment.refunded",
		metric.WithDescription("Refund count"),
		metric.WithUnit("{payment}"))
	if err != nil {
		return nil, err
	}

	batchesDispatched, err := meter.Int64Counter("batch.dispatched",
		metric.WithDescription("Executor run count"),
		metric.WithUnit("{batch}"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	batchDuration, err := meter.Float64Histogram("batch.duration",
		metric.WithDescription("Executor run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram("batch.size",
		metric.WithDescription("Messages per executor run"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	creditAmount, err := meter.Float64Histogram("payment.amount",
		metric.WithDescription("Credited amount per payment"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:             tracer,
		Meter:              meter,
		Logger:             logger,
		TokenUsage:         tokenUsage,
		CostTotal:          costTotal,
		LLMRequests:        llmRequests,
		ToolExecutions:     toolExecutions,
		PrecheckRejections: precheckRejections,
		StarsReceived:      starsReceived,
		PaymentsCredited:   paymentsCredited,
		PaymentsRefunded:   paymentsRefunded,
		BatchesDispatched:  batchesDispatched,
		ToolDuration:       toolDuration,
		BatchDuration:      batchDuration,
		BatchSize:          batchSize,
		CreditAmount:       creditAmount,
	}, nil
}
