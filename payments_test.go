package florin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testPayments(t *testing.T, store *memStore, cache *memCache) *Payments {
	t.Helper()
	p, err := NewPayments(store, cache, PaymentsConfig{
		StarsToUSD:   dec("0.013"),
		K1:           dec("0.35"),
		K2:           dec("0.15"),
		K3:           dec("0.10"),
		RefundPeriod: 30 * 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewPayments: %v", err)
	}
	return p
}

func TestPayments_Quote_100Stars(t *testing.T) {
	p := testPayments(t, newMemStore(), newMemCache())

	nominal, credited := p.Quote(100)
	if got, want := nominal.StringFixed(4), "1.3000"; got != want {
		t.Errorf("nominal = %s, want %s", got, want)
	}
	if got, want := credited.StringFixed(4), "0.5200"; got != want {
		t.Errorf("credited = %s, want %s", got, want)
	}
}

func TestPayments_CreditPayment_CreditsOnce(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "alice", "0.0000")
	cache := newMemCache()
	p := testPayments(t, store, cache)

	sp := SuccessfulPayment{
		UserID:   1,
		Amount:   100,
		Payload:  "topup_1_1700000000_100",
		ChargeID: "charge-abc",
	}
	payment, after, err := p.CreditPayment(context.Background(), sp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.Status != PaymentCompleted {
		t.Errorf("status = %s, want %s", payment.Status, PaymentCompleted)
	}
	if got, want := after.StringFixed(4), "0.5200"; got != want {
		t.Errorf("balance after = %s, want %s", got, want)
	}

	ops, _ := store.UserOperations(context.Background(), 1)
	if len(ops) != 1 {
		t.Fatalf("got %d operations, want 1", len(ops))
	}
	if ops[0].Type != OpPayment {
		t.Errorf("operation type = %s, want %s", ops[0].Type, OpPayment)
	}
	if ops[0].RelatedPaymentID != "charge-abc" {
		t.Errorf("related payment id = %q, want %q", ops[0].RelatedPaymentID, "charge-abc")
	}

	// Same charge id again: rejected, balance unchanged.
	_, _, err = p.CreditPayment(context.Background(), sp)
	var dup *ErrDuplicatePayment
	if !errors.As(err, &dup) {
		t.Fatalf("got %v, want ErrDuplicatePayment", err)
	}
	u, _ := store.GetUser(context.Background(), 1)
	if got, want := u.Balance.StringFixed(4), "0.5200"; got != want {
		t.Errorf("balance after duplicate = %s, want %s", got, want)
	}
	ops, _ = store.UserOperations(context.Background(), 1)
	if len(ops) != 1 {
		t.Errorf("got %d operations after duplicate, want 1", len(ops))
	}
}

func TestPayments_Refund_DeductsAndMarks(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "alice", "0.1000")
	cache := newMemCache()
	p := testPayments(t, store, cache)

	// Credit 0.65 (125 stars: 1.625 nominal, 0.65 credited), charge down to 0.75,
	// then refund should still work because balance >= credited.
	sp := SuccessfulPayment{UserID: 1, Amount: 125, ChargeID: "charge-r"}
	_, after, err := p.CreditPayment(context.Background(), sp)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got, want := after.StringFixed(4), "0.7500"; got != want {
		t.Fatalf("balance after credit = %s, want %s", got, want)
	}

	refunded, err := p.Refund(context.Background(), 1, "charge-r")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != PaymentRefunded {
		t.Errorf("status = %s, want %s", refunded.Status, PaymentRefunded)
	}

	u, _ := store.GetUser(context.Background(), 1)
	if got, want := u.Balance.StringFixed(4), "0.1000"; got != want {
		t.Errorf("balance after refund = %s, want %s", got, want)
	}

	ops, _ := store.UserOperations(context.Background(), 1)
	last := ops[len(ops)-1]
	if last.Type != OpRefund {
		t.Errorf("last operation type = %s, want %s", last.Type, OpRefund)
	}
	if got, want := last.Amount.StringFixed(4), "-0.6500"; got != want {
		t.Errorf("refund operation amount = %s, want %s", got, want)
	}
}

func TestPayments_Refund_Rejections(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*memStore, *Payments) {
		store := newMemStore()
		store.addUser(1, "alice", "0.0000")
		store.addUser(2, "bob", "0.0000")
		p := testPayments(t, store, newMemCache())
		if _, _, err := p.CreditPayment(ctx, SuccessfulPayment{UserID: 1, Amount: 100, ChargeID: "ch"}); err != nil {
			t.Fatalf("credit: %v", err)
		}
		return store, p
	}

	t.Run("unknown charge", func(t *testing.T) {
		_, p := setup(t)
		_, err := p.Refund(ctx, 1, "nope")
		if !errors.Is(err, ErrPaymentNotFound) {
			t.Errorf("got %v, want ErrPaymentNotFound", err)
		}
	})

	t.Run("wrong owner", func(t *testing.T) {
		_, p := setup(t)
		_, err := p.Refund(ctx, 2, "ch")
		if !errors.Is(err, ErrPaymentNotFound) {
			t.Errorf("got %v, want ErrPaymentNotFound", err)
		}
	})

	t.Run("already refunded", func(t *testing.T) {
		_, p := setup(t)
		if _, err := p.Refund(ctx, 1, "ch"); err != nil {
			t.Fatalf("first refund: %v", err)
		}
		_, err := p.Refund(ctx, 1, "ch")
		if !errors.Is(err, ErrPaymentNotRefundable) {
			t.Errorf("got %v, want ErrPaymentNotRefundable", err)
		}
	})

	t.Run("window expired", func(t *testing.T) {
		store, p := setup(t)
		store.mu.Lock()
		pay := store.payments["ch"]
		pay.CreatedAt = time.Now().Add(-31 * 24 * time.Hour)
		store.payments["ch"] = pay
		store.mu.Unlock()

		_, err := p.Refund(ctx, 1, "ch")
		if !errors.Is(err, ErrRefundWindowExpired) {
			t.Errorf("got %v, want ErrRefundWindowExpired", err)
		}
	})

	t.Run("balance spent", func(t *testing.T) {
		store, p := setup(t)
		ledger := NewLedger(store, newMemCache(), LedgerConfig{})
		if _, err := ledger.Charge(ctx, 1, dec("0.50"), "spend", 0); err != nil {
			t.Fatalf("charge: %v", err)
		}
		_, err := p.Refund(ctx, 1, "ch")
		if !errors.Is(err, ErrRefundInsufficientBalance) {
			t.Errorf("got %v, want ErrRefundInsufficientBalance", err)
		}
		// Nothing committed by the failed refund.
		pay, _ := store.PaymentByCharge(ctx, "ch")
		if pay.Status != PaymentCompleted {
			t.Errorf("payment status = %s, want %s after failed refund", pay.Status, PaymentCompleted)
		}
	})
}

func TestPayments_CommissionValidation(t *testing.T) {
	store, cache := newMemStore(), newMemCache()

	_, err := NewPayments(store, cache, PaymentsConfig{
		StarsToUSD: dec("0.013"),
		K1:         dec("-0.1"),
	})
	if !errors.Is(err, ErrInvalidCommission) {
		t.Errorf("negative k1: got %v, want ErrInvalidCommission", err)
	}

	_, err = NewPayments(store, cache, PaymentsConfig{
		StarsToUSD: dec("0.013"),
		K1:         dec("0.5"),
		K2:         dec("0.4"),
		K3:         dec("0.2"),
	})
	if !errors.Is(err, ErrInvalidCommission) {
		t.Errorf("sum > 1: got %v, want ErrInvalidCommission", err)
	}

	// Exactly 1 is allowed within tolerance.
	_, err = NewPayments(store, cache, PaymentsConfig{
		StarsToUSD: dec("0.013"),
		K1:         dec("0.5"),
		K2:         dec("0.4"),
		K3:         dec("0.1"),
	})
	if err != nil {
		t.Errorf("sum == 1: unexpected error %v", err)
	}
}

func TestPayments_SetMargin(t *testing.T) {
	p := testPayments(t, newMemStore(), newMemCache())

	if err := p.SetMargin(dec("0.2")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, credited := p.Quote(100)
	// 1.3 * (1 - 0.35 - 0.15 - 0.20) = 0.39
	if got, want := credited.StringFixed(4), "0.3900"; got != want {
		t.Errorf("credited = %s, want %s", got, want)
	}

	if err := p.SetMargin(dec("0.6")); !errors.Is(err, ErrInvalidCommission) {
		t.Errorf("got %v, want ErrInvalidCommission", err)
	}
	if got, want := p.Margin().String(), "0.2"; got != want {
		t.Errorf("margin = %s, want %s (rejected update must not apply)", got, want)
	}
}

func TestPayments_CreditPayment_MarginConsistent(t *testing.T) {
	store := newMemStore()
	store.addUser(1, "alice", "0.0000")
	p := testPayments(t, store, newMemCache())

	// Flip the margin while payments settle; each persisted payment's k3
	// must reproduce its own credited amount.
	done := make(chan struct{})
	var flips sync.WaitGroup
	flips.Add(1)
	go func() {
		defer flips.Done()
		for {
			select {
			case <-done:
				return
			default:
				p.SetMargin(dec("0.10"))
				p.SetMargin(dec("0.20"))
			}
		}
	}()

	for i := 0; i < 50; i++ {
		payment, _, err := p.CreditPayment(context.Background(), SuccessfulPayment{
			UserID:   1,
			Amount:   100,
			ChargeID: fmt.Sprintf("charge-%d", i),
		})
		if err != nil {
			t.Fatalf("CreditPayment %d: %v", i, err)
		}
		keep := dec("1").Sub(dec("0.35")).Sub(dec("0.15")).Sub(payment.K3)
		want := RoundUSD(payment.NominalUSD.Mul(keep))
		if !payment.CreditedUSD.Equal(want) {
			t.Fatalf("payment %d: credited %s does not match recorded k3 %s (want %s)",
				i, FormatUSD(payment.CreditedUSD), payment.K3, FormatUSD(want))
		}
	}
	close(done)
	flips.Wait()
}

func TestInvoicePayload_Roundtrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	payload := InvoicePayload(42, 250, now)
	if got, want := payload, "topup_42_1700000000_250"; got != want {
		t.Errorf("payload = %q, want %q", got, want)
	}

	parsed, err := ParseInvoicePayload(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed.UserID != 42 {
		t.Errorf("user id = %d, want 42", parsed.UserID)
	}
	if parsed.Stars != 250 {
		t.Errorf("stars = %d, want 250", parsed.Stars)
	}
	if !parsed.IssuedAt.Equal(now) {
		t.Errorf("issued at = %v, want %v", parsed.IssuedAt, now)
	}
}

func TestParseInvoicePayload_Malformed(t *testing.T) {
	for _, payload := range []string{"", "topup_42", "refund_1_2_3", "topup_x_1_2"} {
		if _, err := ParseInvoicePayload(payload); err == nil {
			t.Errorf("payload %q: expected error, got nil", payload)
		}
	}
}
