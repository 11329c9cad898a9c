package observer

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	florin "github.com/velikov/florin"
)

// Recorder adapts Instruments to the florin.Metrics seam.
type Recorder struct {
	inst *Instruments
}

func NewRecorder(inst *Instruments) *Recorder {
	return &Recorder{inst: inst}
}

func (r *Recorder) TurnUsage(ctx context.Context, model string, u florin.Usage, cost decimal.Decimal) {
	modelAttr := AttrLLMModel.String(model)
	r.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(modelAttr))
	for _, kind := range []struct {
		name   string
		tokens int64
	}{
		{"input", u.InputTokens},
		{"output", u.OutputTokens},
		{"cache_read", u.CacheRead},
		{"cache_creation", u.CacheCreation},
	} {
		if kind.tokens == 0 {
			continue
		}
		r.inst.TokenUsage.Add(ctx, kind.tokens, metric.WithAttributes(
			modelAttr,
			AttrTokenKind.String(kind.name),
		))
	}
	r.inst.CostTotal.Add(ctx, cost.InexactFloat64(), metric.WithAttributes(
		modelAttr,
		AttrCostSource.String("llm"),
	))
}

func (r *Recorder) ToolExecuted(ctx context.Context, tool string, success bool, d time.Duration, cost decimal.Decimal) {
	status := "ok"
	if !success {
		status = "error"
	}
	r.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(tool),
		AttrToolStatus.String(status),
	))
	r.inst.ToolDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		AttrToolName.String(tool),
	))
	if cost.Sign() > 0 {
		r.inst.CostTotal.Add(ctx, cost.InexactFloat64(), metric.WithAttributes(
			AttrToolName.String(tool),
			AttrCostSource.String("tool"),
		))
	}
}

func (r *Recorder) PrecheckRejected(ctx context.Context, tool string) {
	r.inst.PrecheckRejections.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(tool),
	))
}

func (r *Recorder) BatchDispatched(ctx context.Context, size int, d time.Duration) {
	r.inst.BatchesDispatched.Add(ctx, 1)
	r.inst.BatchSize.Record(ctx, int64(size))
	r.inst.BatchDuration.Record(ctx, float64(d.Milliseconds()))
}

func (r *Recorder) PaymentCredited(ctx context.Context, stars int64, credited decimal.Decimal) {
	r.inst.PaymentsCredited.Add(ctx, 1)
	r.inst.StarsReceived.Add(ctx, stars)
	r.inst.CreditAmount.Record(ctx, credited.InexactFloat64(), metric.WithAttributes(
		attribute.String("direction", "credit"),
	))
}

func (r *Recorder) PaymentRefunded(ctx context.Context, credited decimal.Decimal) {
	r.inst.PaymentsRefunded.Add(ctx, 1)
	r.inst.CreditAmount.Record(ctx, credited.InexactFloat64(), metric.WithAttributes(
		attribute.String("direction", "refund"),
	))
}

var _ florin.Metrics = (*Recorder)(nil)
