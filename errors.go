package florin

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUserNotFound is returned by store lookups for unknown users.
	ErrUserNotFound = errors.New("user not found")

	// ErrThreadNotFound is returned by store lookups for unknown threads.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrPaymentNotFound is returned when a refund references an unknown
	// charge id.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrInvalidAmount rejects zero or non-positive ledger amounts where a
	// positive one is required.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidCommission rejects commission rates outside [0, 1) or with
	// a sum of 1 or more.
	ErrInvalidCommission = errors.New("commission rates must be in [0, 1) and sum below 1")

	// ErrGenerationCancelled reports that the active generation for a
	// thread was cancelled on user request.
	ErrGenerationCancelled = errors.New("generation cancelled")

	// ErrPaymentNotRefundable rejects refunds of pending or already
	// refunded payments.
	ErrPaymentNotRefundable = errors.New("payment is not refundable")

	// ErrRefundWindowExpired rejects refunds past the configured window.
	ErrRefundWindowExpired = errors.New("refund window expired")

	// ErrRefundInsufficientBalance rejects refunds when the user has
	// already spent the credited amount.
	ErrRefundInsufficientBalance = errors.New("balance below refundable amount")

	// ErrEmptyBatch is returned when a dispatch drains zero messages.
	ErrEmptyBatch = errors.New("empty batch")
)

// ErrFileNotFound reports a file handle that could not be resolved, with the
// tier that failed.
type ErrFileNotFound struct {
	ID     string
	Reason string
}

func (e *ErrFileNotFound) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("file %s not found", e.ID)
	}
	return fmt.Sprintf("file %s not found: %s", e.ID, e.Reason)
}

// ErrInsufficientBalance rejects a paid tool call before it runs. Balance is
// the user's balance at check time.
type ErrInsufficientBalance struct {
	Balance decimal.Decimal
	Tool    string
}

func (e *ErrInsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient balance %s for tool %s", e.Balance.StringFixed(4), e.Tool)
}

// ErrConcurrencyLimit reports that the global generation limiter rejected a
// request after the queue wait expired.
type ErrConcurrencyLimit struct {
	QueuePosition int
	WaitTime      time.Duration
}

func (e *ErrConcurrencyLimit) Error() string {
	return fmt.Sprintf("concurrency limit reached, queue position %d after %s", e.QueuePosition, e.WaitTime)
}

// ErrDuplicatePayment rejects a top-up whose platform charge id was already
// credited.
type ErrDuplicatePayment struct {
	ChargeID string
}

func (e *ErrDuplicatePayment) Error() string {
	return fmt.Sprintf("payment %s already processed", e.ChargeID)
}

// ErrLLM wraps a provider-side failure that is not a transport error.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx HTTP response. RetryAfter is non-zero when the server
// sent a parseable Retry-After header.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// ParseRetryAfter reads a Retry-After header value, either delta-seconds or
// an HTTP date. Zero means absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
