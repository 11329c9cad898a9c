package florin

import (
	"github.com/shopspring/decimal"
)

// usdScale is the ledger's fixed scale. Every stored amount is rounded to it
// exactly once, at the boundary where the amount is produced.
const usdScale = 4

// RoundUSD rounds to 4 decimal places, half up. decimal.Round is
// half-away-from-zero, which coincides with half-up for the non-negative
// amounts money math produces; signed ledger deltas are built from already
// rounded magnitudes.
func RoundUSD(d decimal.Decimal) decimal.Decimal {
	return d.Round(usdScale)
}

// FormatUSD renders an amount with the ledger scale, e.g. "1.3000".
func FormatUSD(d decimal.Decimal) string {
	return d.StringFixed(usdScale)
}

// ParseUSD parses a user-entered amount and normalizes it to ledger scale.
func ParseUSD(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	return RoundUSD(d), nil
}

// MTokPrice converts a per-million-token USD rate and a token count into a
// cost at ledger scale.
func MTokPrice(perMTok decimal.Decimal, tokens int64) decimal.Decimal {
	return RoundUSD(perMTok.Mul(decimal.NewFromInt(tokens)).Div(decimal.NewFromInt(1_000_000)))
}
