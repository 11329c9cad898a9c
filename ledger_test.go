package florin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestLedger_Charge_DeductsAndRecordsOperation(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "alice", "1.0000")
	cache := newMemCache()
	ledger := NewLedger(store, cache, LedgerConfig{})

	after, err := ledger.Charge(context.Background(), 1, dec("0.25"), "tokens", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := after.StringFixed(4), "0.7500"; got != want {
		t.Errorf("balance after = %s, want %s", got, want)
	}

	ops, _ := store.UserOperations(context.Background(), 1)
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	op := ops[0]
	if op.Type != OpUsage {
		t.Errorf("operation type = %s, want %s", op.Type, OpUsage)
	}
	if got, want := op.Amount.StringFixed(4), "-0.2500"; got != want {
		t.Errorf("operation amount = %s, want %s", got, want)
	}
	if !op.BalanceAfter.Equal(op.BalanceBefore.Add(op.Amount)) {
		t.Errorf("balance_after %s != balance_before %s + amount %s",
			op.BalanceAfter, op.BalanceBefore, op.Amount)
	}
	if op.RelatedMessageID != 42 {
		t.Errorf("related message id = %d, want 42", op.RelatedMessageID)
	}
	if cache.balanceUpdates != 1 {
		t.Errorf("got %d cache balance updates, want 1", cache.balanceUpdates)
	}
}

func TestLedger_Charge_RejectsNonPositive(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "alice", "1.0000")
	ledger := NewLedger(store, newMemCache(), LedgerConfig{})

	for _, amount := range []string{"0", "-0.5"} {
		_, err := ledger.Charge(context.Background(), 1, dec(amount), "x", 0)
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("charge %s: got %v, want ErrInvalidAmount", amount, err)
		}
	}
	ops, _ := store.UserOperations(context.Background(), 1)
	if len(ops) != 0 {
		t.Errorf("got %d operations, want 0", len(ops))
	}
}

func TestLedger_Charge_UnknownUser(t *testing.T) {
	ledger := NewLedger(newMemStore(), newMemCache(), LedgerConfig{})
	_, err := ledger.Charge(context.Background(), 99, dec("0.10"), "x", 0)
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("got %v, want ErrUserNotFound", err)
	}
}

func TestLedger_Charge_RoundsHalfUp(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "alice", "1.0000")
	ledger := NewLedger(store, newMemCache(), LedgerConfig{})

	after, err := ledger.Charge(context.Background(), 1, dec("0.00005"), "tiny", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := after.StringFixed(4), "0.9999"; got != want {
		t.Errorf("balance after = %s, want %s", got, want)
	}
}

func TestLedger_Charge_MayDriveBalanceNegative(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "alice", "0.1000")
	cache := newMemCache()
	ledger := NewLedger(store, cache, LedgerConfig{})

	after, err := ledger.Charge(context.Background(), 1, dec("0.30"), "big request", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := after.StringFixed(4), "-0.2000"; got != want {
		t.Errorf("balance after = %s, want %s", got, want)
	}

	allowed, exists, err := ledger.CanRequest(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exists {
		t.Error("exists = false, want true")
	}
	if allowed {
		t.Error("allowed = true, want false after balance went negative")
	}
}

func TestLedger_CanRequest_StrictlyGreaterThanMinimum(t *testing.T) {
	tests := []struct {
		name    string
		balance string
		allowed bool
	}{
		{"positive balance", "0.0001", true},
		{"zero balance", "0.0000", false},
		{"negative balance", "-0.5000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			store.addUser(1, "alice", tt.balance)
			ledger := NewLedger(store, newMemCache(), LedgerConfig{})

			allowed, exists, err := ledger.CanRequest(context.Background(), 1)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !exists {
				t.Error("exists = false, want true")
			}
			if allowed != tt.allowed {
				t.Errorf("allowed = %v, want %v", allowed, tt.allowed)
			}
		})
	}
}

func TestLedger_CanRequest_UnknownUser(t *testing.T) {
	ledger := NewLedger(newMemStore(), newMemCache(), LedgerConfig{})
	allowed, exists, err := ledger.CanRequest(context.Background(), 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed || exists {
		t.Errorf("got (allowed=%v, exists=%v), want (false, false)", allowed, exists)
	}
}

func TestLedger_GetBalance_CacheFirst(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "alice", "1.0000")
	cache := newMemCache()
	cache.SetUser(context.Background(), User{ID: 1, Balance: dec("5.0000")})
	ledger := NewLedger(store, cache, LedgerConfig{})

	balance, err := ledger.GetBalance(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := balance.StringFixed(4), "5.0000"; got != want {
		t.Errorf("balance = %s, want %s (cached value)", got, want)
	}
}

func TestLedger_GetBalance_WarmsCacheOnMiss(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "alice", "2.5000")
	cache := newMemCache()
	ledger := NewLedger(store, cache, LedgerConfig{})

	if _, err := ledger.GetBalance(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, ok := cache.GetUser(context.Background(), 1)
	if !ok {
		t.Fatal("cache not warmed after store read")
	}
	if got, want := u.Balance.StringFixed(4), "2.5000"; got != want {
		t.Errorf("cached balance = %s, want %s", got, want)
	}
}

func TestLedger_AdminAdjust_ByUsername(t *testing.T) {
	store := newMemStore()
	store.addUser(7, "bob", "1.0000")
	ledger := NewLedger(store, newMemCache(), LedgerConfig{})

	before, after, err := ledger.AdminAdjust(context.Background(), 1, "@bob", dec("2.5"), "promo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := before.StringFixed(4), "1.0000"; got != want {
		t.Errorf("before = %s, want %s", got, want)
	}
	if got, want := after.StringFixed(4), "3.5000"; got != want {
		t.Errorf("after = %s, want %s", got, want)
	}

	ops, _ := store.UserOperations(context.Background(), 7)
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	if ops[0].Type != OpAdminTopup {
		t.Errorf("operation type = %s, want %s", ops[0].Type, OpAdminTopup)
	}
	if ops[0].AdminUserID != 1 {
		t.Errorf("admin user id = %d, want 1", ops[0].AdminUserID)
	}
}

func TestLedger_AdminAdjust_ByNumericID(t *testing.T) {
	store := newMemStore()
	store.addUser(7, "bob", "1.0000")
	ledger := NewLedger(store, newMemCache(), LedgerConfig{})

	_, after, err := ledger.AdminAdjust(context.Background(), 1, "7", dec("-0.4"), "correction")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := after.StringFixed(4), "0.6000"; got != want {
		t.Errorf("after = %s, want %s", got, want)
	}
}

func TestLedger_AdminAdjust_RejectsZero(t *testing.T) {
	store := newMemStore()
	store.addUser(7, "bob", "1.0000")
	ledger := NewLedger(store, newMemCache(), LedgerConfig{})

	_, _, err := ledger.AdminAdjust(context.Background(), 1, "bob", decimal.Zero, "")
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestLedger_TotalCharged_SumsAbsoluteUsageOnly(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "alice", "10.0000")
	now := time.Now().UTC()
	store.ops = []BalanceOperation{
		{UserID: 1, Type: OpUsage, Amount: dec("-0.2000"), CreatedAt: now},
		{UserID: 1, Type: OpPayment, Amount: dec("1.0000"), CreatedAt: now},
		{UserID: 1, Type: OpUsage, Amount: dec("-0.3000"), CreatedAt: now},
		{UserID: 2, Type: OpUsage, Amount: dec("-9.0000"), CreatedAt: now},
	}
	ledger := NewLedger(store, newMemCache(), LedgerConfig{})

	total, err := ledger.TotalCharged(context.Background(), 1, PeriodToday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := total.StringFixed(4), "0.5000"; got != want {
		t.Errorf("total charged = %s, want %s", got, want)
	}
}

func TestLedger_VerifyIntegrity(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "alice", "1.0000")
	ledger := NewLedger(store, newMemCache(), LedgerConfig{})

	// Empty history is vacuously consistent.
	ok, err := ledger.VerifyIntegrity(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("empty history: got false, want true")
	}

	if _, err := ledger.Charge(context.Background(), 1, dec("0.25"), "x", 0); err != nil {
		t.Fatalf("charge: %v", err)
	}
	ok, err = ledger.VerifyIntegrity(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("consistent history: got false, want true")
	}

	// Tamper with a row.
	store.ops[0].BalanceAfter = dec("99.0000")
	ok, err = ledger.VerifyIntegrity(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("tampered history: got true, want false")
	}
}

func TestLedger_BalanceHistory_NewestFirst(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "alice", "10.0000")
	ledger := NewLedger(store, newMemCache(), LedgerConfig{})

	for _, amount := range []string{"0.10", "0.20", "0.30"} {
		if _, err := ledger.Charge(context.Background(), 1, dec(amount), "op "+amount, 0); err != nil {
			t.Fatalf("charge %s: %v", amount, err)
		}
	}

	history, err := ledger.BalanceHistory(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d operations, want 2", len(history))
	}
	if got, want := history[0].Amount.StringFixed(4), "-0.3000"; got != want {
		t.Errorf("history[0].Amount = %s, want %s (newest first)", got, want)
	}
	if got, want := history[1].Amount.StringFixed(4), "-0.2000"; got != want {
		t.Errorf("history[1].Amount = %s, want %s", got, want)
	}
}
