package observer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	florin "github.com/velikov/florin"
)

// testInstruments creates Instruments against the global OTEL providers,
// which are no-ops by default. Safe for exercising the recorder without a
// backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments()
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestRecorderImplementsMetrics(t *testing.T) {
	var _ florin.Metrics = NewRecorder(testInstruments(t))
}

func TestRecorderMethodsAreSafe(t *testing.T) {
	r := NewRecorder(testInstruments(t))
	ctx := context.Background()

	r.TurnUsage(ctx, "claude-sonnet-4-5", florin.Usage{
		InputTokens:   1200,
		OutputTokens:  340,
		CacheRead:     8000,
		CacheCreation: 0,
	}, decimal.NewFromFloat(0.0123))
	r.ToolExecuted(ctx, "web_search", true, 800*time.Millisecond, decimal.NewFromFloat(0.01))
	r.ToolExecuted(ctx, "execute_python", false, time.Second, decimal.Zero)
	r.PrecheckRejected(ctx, "generate_image")
	r.BatchDispatched(ctx, 3, 12*time.Second)
	r.PaymentCredited(ctx, 100, decimal.NewFromFloat(1.04))
	r.PaymentRefunded(ctx, decimal.NewFromFloat(1.04))
}
