package anthropic

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/velikov/florin"
)

// Pricing is the USD cost per million tokens for one model family.
type Pricing struct {
	Input      decimal.Decimal
	Output     decimal.Decimal
	CacheRead  decimal.Decimal
	CacheWrite decimal.Decimal
}

func price(in, out, read, write string) Pricing {
	return Pricing{
		Input:      decimal.RequireFromString(in),
		Output:     decimal.RequireFromString(out),
		CacheRead:  decimal.RequireFromString(read),
		CacheWrite: decimal.RequireFromString(write),
	}
}

// defaultPricing keys by model family prefix; dated model ids resolve by
// longest matching prefix.
func defaultPricing() map[string]Pricing {
	return map[string]Pricing{
		"claude-opus-4":     price("15", "75", "1.50", "18.75"),
		"claude-sonnet-4":   price("3", "15", "0.30", "3.75"),
		"claude-haiku-4":    price("1", "5", "0.10", "1.25"),
		"claude-3-7-sonnet": price("3", "15", "0.30", "3.75"),
		"claude-3-5-haiku":  price("0.80", "4", "0.08", "1"),
	}
}

var million = decimal.NewFromInt(1_000_000)

// CountCost prices a turn's token usage for the given model. Unknown
// models cost zero; the caller still records usage.
func (c *Client) CountCost(model string, u florin.Usage) decimal.Decimal {
	p, ok := c.lookupPricing(model)
	if !ok {
		return decimal.Zero
	}
	cost := decimal.NewFromInt(u.InputTokens).Mul(p.Input).
		Add(decimal.NewFromInt(u.OutputTokens).Mul(p.Output)).
		Add(decimal.NewFromInt(u.CacheRead).Mul(p.CacheRead)).
		Add(decimal.NewFromInt(u.CacheCreation).Mul(p.CacheWrite))
	return cost.Div(million).Round(6)
}

func (c *Client) lookupPricing(model string) (Pricing, bool) {
	if p, ok := c.pricing[model]; ok {
		return p, true
	}
	var (
		best    string
		bestP   Pricing
		matched bool
	)
	for prefix, p := range c.pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, bestP, matched = prefix, p, true
		}
	}
	return bestP, matched
}
