package florin

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerConfig tunes the balance service. Zero value means: minimum balance
// 0, discard logs.
type LedgerConfig struct {
	// MinimumBalance is the strict lower bound a balance must exceed for a
	// new request to be allowed.
	MinimumBalance decimal.Decimal
	Logger         *slog.Logger
}

// Ledger owns every balance mutation. Each mutation is one store
// transaction followed by one cache update; the commit happens exactly once,
// inside [Store.Tx].
type Ledger struct {
	store Store
	cache Cache
	min   decimal.Decimal
	log   *slog.Logger
}

func NewLedger(store Store, cache Cache, cfg LedgerConfig) *Ledger {
	log := cfg.Logger
	if log == nil {
		log = nopLogger
	}
	return &Ledger{store: store, cache: cache, min: cfg.MinimumBalance, log: log}
}

// GetBalance returns the user's balance, cache-first.
func (l *Ledger) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	if u, ok := l.cache.GetUser(ctx, userID); ok {
		return u.Balance, nil
	}
	u, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	l.cache.SetUser(ctx, u)
	return u.Balance, nil
}

// CanRequest reports whether the user may start a new request. Allowed iff
// the balance strictly exceeds the configured minimum; one request may drive
// the balance negative, blocking the next one.
func (l *Ledger) CanRequest(ctx context.Context, userID int64) (allowed, exists bool, err error) {
	balance, err := l.GetBalance(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return balance.GreaterThan(l.min), true, nil
}

// Charge deducts amount from the user's balance and writes the audit row.
// Amount must be positive; the stored operation amount is negative.
func (l *Ledger) Charge(ctx context.Context, userID int64, amount decimal.Decimal, description string, relatedMessageID int64) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	amount = RoundUSD(amount)

	var after decimal.Decimal
	err := l.store.Tx(ctx, func(tx StoreTx) error {
		u, err := tx.GetUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		after = RoundUSD(u.Balance.Sub(amount))
		if err := tx.UpdateBalance(ctx, userID, after); err != nil {
			return err
		}
		return tx.InsertOperation(ctx, BalanceOperation{
			ID:               NewID(),
			UserID:           userID,
			Type:             OpUsage,
			Amount:           amount.Neg(),
			BalanceBefore:    u.Balance,
			BalanceAfter:     after,
			RelatedMessageID: relatedMessageID,
			Description:      description,
			CreatedAt:        time.Now().UTC(),
		})
	})
	if err != nil {
		return decimal.Zero, err
	}

	l.cache.UpdateUserBalance(ctx, userID, after)
	l.log.Debug("charged user",
		"user_id", userID,
		"amount", FormatUSD(amount),
		"balance", FormatUSD(after),
		"description", description)
	return after, nil
}

// AdminAdjust credits or debits a target user on behalf of an admin. Target
// is a numeric user id or a username, with or without a leading @.
func (l *Ledger) AdminAdjust(ctx context.Context, adminID int64, target string, amount decimal.Decimal, description string) (before, after decimal.Decimal, err error) {
	if amount.IsZero() {
		return decimal.Zero, decimal.Zero, ErrInvalidAmount
	}
	amount = RoundUSD(amount)

	var userID int64
	err = l.store.Tx(ctx, func(tx StoreTx) error {
		u, err := lookupTarget(ctx, tx, target)
		if err != nil {
			return err
		}
		userID = u.ID
		before = u.Balance
		after = RoundUSD(before.Add(amount))
		if err := tx.UpdateBalance(ctx, u.ID, after); err != nil {
			return err
		}
		return tx.InsertOperation(ctx, BalanceOperation{
			ID:            NewID(),
			UserID:        u.ID,
			Type:          OpAdminTopup,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			AdminUserID:   adminID,
			Description:   description,
			CreatedAt:     time.Now().UTC(),
		})
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	l.cache.UpdateUserBalance(ctx, userID, after)
	l.log.Info("admin balance adjustment",
		"admin_id", adminID,
		"user_id", userID,
		"amount", FormatUSD(amount),
		"balance", FormatUSD(after))
	return before, after, nil
}

func lookupTarget(ctx context.Context, tx StoreTx, target string) (User, error) {
	target = strings.TrimPrefix(strings.TrimSpace(target), "@")
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return tx.GetUserForUpdate(ctx, id)
	}
	return tx.GetUserByUsernameForUpdate(ctx, target)
}

// BalanceHistory returns the newest operations first.
func (l *Ledger) BalanceHistory(ctx context.Context, userID int64, limit int) ([]BalanceOperation, error) {
	return l.store.BalanceHistory(ctx, userID, limit)
}

// TotalCharged sums the absolute values of usage operations in the window.
func (l *Ledger) TotalCharged(ctx context.Context, userID int64, p Period) (decimal.Decimal, error) {
	return l.store.TotalCharged(ctx, userID, p)
}

// VerifyIntegrity checks balance_after = balance_before + amount for every
// operation of the user. Vacuously true on empty history.
func (l *Ledger) VerifyIntegrity(ctx context.Context, userID int64) (bool, error) {
	ops, err := l.store.UserOperations(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if !op.BalanceAfter.Equal(op.BalanceBefore.Add(op.Amount)) {
			l.log.Warn("ledger integrity violation",
				"user_id", userID,
				"operation_id", op.ID,
				"before", FormatUSD(op.BalanceBefore),
				"amount", FormatUSD(op.Amount),
				"after", FormatUSD(op.BalanceAfter))
			return false, nil
		}
	}
	return true, nil
}
