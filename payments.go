package florin

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// commissionTolerance absorbs representation slop when validating rates.
var commissionTolerance = decimal.New(1, -4) // 1e-4

// PaymentsConfig sets the Stars-to-USD conversion. K1 and K2 are fixed
// platform fees; K3 is the operator margin and stays admin-settable after
// construction.
type PaymentsConfig struct {
	StarsToUSD   decimal.Decimal
	K1           decimal.Decimal
	K2           decimal.Decimal
	K3           decimal.Decimal
	RefundPeriod time.Duration // 0 = refunds never expire
	Logger       *slog.Logger
}

// Payments credits Stars top-ups and processes refunds. Credited amount per
// payment: stars * rate * (1 - k1 - k2 - k3), rounded to 4 decimals half up.
type Payments struct {
	store Store
	cache Cache
	rate  decimal.Decimal
	k1    decimal.Decimal
	k2    decimal.Decimal

	mu sync.RWMutex
	k3 decimal.Decimal

	refundPeriod time.Duration
	log          *slog.Logger
}

func NewPayments(store Store, cache Cache, cfg PaymentsConfig) (*Payments, error) {
	if cfg.StarsToUSD.Sign() <= 0 {
		return nil, fmt.Errorf("stars-to-usd rate must be positive, got %s", cfg.StarsToUSD)
	}
	if err := validateCommission(cfg.K1, cfg.K2, cfg.K3); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = nopLogger
	}
	return &Payments{
		store:        store,
		cache:        cache,
		rate:         cfg.StarsToUSD,
		k1:           cfg.K1,
		k2:           cfg.K2,
		k3:           cfg.K3,
		refundPeriod: cfg.RefundPeriod,
		log:          log,
	}, nil
}

func validateCommission(k1, k2, k3 decimal.Decimal) error {
	for _, k := range []decimal.Decimal{k1, k2, k3} {
		if k.Sign() < 0 {
			return ErrInvalidCommission
		}
	}
	if k1.Add(k2).Add(k3).Sub(decimal.NewFromInt(1)).GreaterThan(commissionTolerance) {
		return ErrInvalidCommission
	}
	return nil
}

// SetMargin updates the operator margin k3, keeping the commission invariant.
func (p *Payments) SetMargin(k3 decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := validateCommission(p.k1, p.k2, k3); err != nil {
		return err
	}
	p.k3 = k3
	p.log.Info("operator margin updated", "k3", k3.String())
	return nil
}

// Margin returns the current operator margin k3.
func (p *Payments) Margin() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.k3
}

// Quote converts a Stars amount into the nominal and credited USD values at
// the current rates.
func (p *Payments) Quote(stars int64) (nominal, credited decimal.Decimal) {
	return p.quoteAt(stars, p.Margin())
}

// quoteAt prices a Stars amount at a specific margin. Callers that also
// record the margin pass the same value so the persisted k3 always
// reproduces the credited amount.
func (p *Payments) quoteAt(stars int64, k3 decimal.Decimal) (nominal, credited decimal.Decimal) {
	nominal = RoundUSD(decimal.NewFromInt(stars).Mul(p.rate))
	keep := decimal.NewFromInt(1).Sub(p.k1).Sub(p.k2).Sub(k3)
	credited = RoundUSD(nominal.Mul(keep))
	return nominal, credited
}

// InvoicePayload encodes top-up metadata into the invoice payload.
func InvoicePayload(userID int64, stars int64, now time.Time) string {
	return fmt.Sprintf("topup_%d_%d_%d", userID, now.Unix(), stars)
}

// TopupPayload is a parsed invoice payload.
type TopupPayload struct {
	UserID   int64
	IssuedAt time.Time
	Stars    int64
}

// ParseInvoicePayload decodes a payload produced by [InvoicePayload].
func ParseInvoicePayload(s string) (TopupPayload, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 4 || parts[0] != "topup" {
		return TopupPayload{}, fmt.Errorf("malformed invoice payload %q", s)
	}
	userID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return TopupPayload{}, fmt.Errorf("malformed invoice payload %q: %w", s, err)
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return TopupPayload{}, fmt.Errorf("malformed invoice payload %q: %w", s, err)
	}
	stars, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return TopupPayload{}, fmt.Errorf("malformed invoice payload %q: %w", s, err)
	}
	return TopupPayload{UserID: userID, IssuedAt: time.Unix(ts, 0), Stars: stars}, nil
}

// CreditPayment records a successful Stars payment and credits the user.
// Duplicate charge ids fail with [ErrDuplicatePayment]. Everything commits
// in one transaction; the cache updates after.
func (p *Payments) CreditPayment(ctx context.Context, sp SuccessfulPayment) (Payment, decimal.Decimal, error) {
	k3 := p.Margin()
	nominal, credited := p.quoteAt(sp.Amount, k3)

	payment := Payment{
		ChargeID:    sp.ChargeID,
		UserID:      sp.UserID,
		Stars:       sp.Amount,
		NominalUSD:  nominal,
		CreditedUSD: credited,
		K1:          p.k1,
		K2:          p.k2,
		K3:          k3,
		Status:      PaymentCompleted,
		Payload:     sp.Payload,
		CreatedAt:   time.Now().UTC(),
	}

	var after decimal.Decimal
	err := p.store.Tx(ctx, func(tx StoreTx) error {
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}
		u, err := tx.GetUserForUpdate(ctx, sp.UserID)
		if err != nil {
			return err
		}
		after = RoundUSD(u.Balance.Add(credited))
		if err := tx.UpdateBalance(ctx, sp.UserID, after); err != nil {
			return err
		}
		return tx.InsertOperation(ctx, BalanceOperation{
			ID:               NewID(),
			UserID:           sp.UserID,
			Type:             OpPayment,
			Amount:           credited,
			BalanceBefore:    u.Balance,
			BalanceAfter:     after,
			RelatedPaymentID: sp.ChargeID,
			Description:      fmt.Sprintf("top-up %d stars", sp.Amount),
			CreatedAt:        payment.CreatedAt,
		})
	})
	if err != nil {
		return Payment{}, decimal.Zero, err
	}

	p.cache.UpdateUserBalance(ctx, sp.UserID, after)
	p.log.Info("payment credited",
		"user_id", sp.UserID,
		"charge_id", sp.ChargeID,
		"stars", sp.Amount,
		"nominal_usd", FormatUSD(nominal),
		"credited_usd", FormatUSD(credited),
		"balance", FormatUSD(after))
	return payment, after, nil
}

// Refund reverses a completed payment: the credited amount is deducted and
// the payment marked refunded. The platform-side refund call is the
// caller's concern; this only settles the ledger.
func (p *Payments) Refund(ctx context.Context, userID int64, chargeID string) (Payment, error) {
	var refunded Payment
	var after decimal.Decimal
	now := time.Now().UTC()

	err := p.store.Tx(ctx, func(tx StoreTx) error {
		pay, err := tx.GetPaymentForUpdate(ctx, chargeID)
		if err != nil {
			return err
		}
		if pay.UserID != userID {
			return ErrPaymentNotFound
		}
		if pay.Status != PaymentCompleted {
			return ErrPaymentNotRefundable
		}
		if p.refundPeriod > 0 && now.Sub(pay.CreatedAt) > p.refundPeriod {
			return ErrRefundWindowExpired
		}
		u, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if u.Balance.LessThan(pay.CreditedUSD) {
			return ErrRefundInsufficientBalance
		}
		after = RoundUSD(u.Balance.Sub(pay.CreditedUSD))
		if err := tx.UpdateBalance(ctx, userID, after); err != nil {
			return err
		}
		if err := tx.MarkPaymentRefunded(ctx, chargeID, now); err != nil {
			return err
		}
		if err := tx.InsertOperation(ctx, BalanceOperation{
			ID:               NewID(),
			UserID:           userID,
			Type:             OpRefund,
			Amount:           pay.CreditedUSD.Neg(),
			BalanceBefore:    u.Balance,
			BalanceAfter:     after,
			RelatedPaymentID: chargeID,
			Description:      fmt.Sprintf("refund of %d stars", pay.Stars),
			CreatedAt:        now,
		}); err != nil {
			return err
		}
		refunded = pay
		refunded.Status = PaymentRefunded
		refunded.RefundedAt = now
		return nil
	})
	if err != nil {
		return Payment{}, err
	}

	p.cache.UpdateUserBalance(ctx, userID, after)
	p.log.Info("payment refunded",
		"user_id", userID,
		"charge_id", chargeID,
		"credited_usd", FormatUSD(refunded.CreditedUSD),
		"balance", FormatUSD(after))
	return refunded, nil
}
