package florin

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Metrics is the pipeline's reporting seam. The observer package provides
// the OTEL implementation; components default to a no-op.
type Metrics interface {
	// TurnUsage records one streamed turn's tokens and priced cost.
	TurnUsage(ctx context.Context, model string, u Usage, cost decimal.Decimal)
	// ToolExecuted records one tool run.
	ToolExecuted(ctx context.Context, tool string, success bool, d time.Duration, cost decimal.Decimal)
	// PrecheckRejected counts a paid tool blocked by the balance gate.
	PrecheckRejected(ctx context.Context, tool string)
	// BatchDispatched records one executor run and its batch size.
	BatchDispatched(ctx context.Context, size int, d time.Duration)
	// PaymentCredited records one settled Stars top-up.
	PaymentCredited(ctx context.Context, stars int64, credited decimal.Decimal)
	// PaymentRefunded records one refund.
	PaymentRefunded(ctx context.Context, credited decimal.Decimal)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) TurnUsage(context.Context, string, Usage, decimal.Decimal)                  {}
func (NopMetrics) ToolExecuted(context.Context, string, bool, time.Duration, decimal.Decimal) {}
func (NopMetrics) PrecheckRejected(context.Context, string)                                   {}
func (NopMetrics) BatchDispatched(context.Context, int, time.Duration)                        {}
func (NopMetrics) PaymentCredited(context.Context, int64, decimal.Decimal)                    {}
func (NopMetrics) PaymentRefunded(context.Context, decimal.Decimal)                           {}

var _ Metrics = NopMetrics{}
