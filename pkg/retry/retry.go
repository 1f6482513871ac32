package retry

import (
	"context"
	"errors"
	"time"

	errs "bookfetch/pkg/errors"
)

// Class is the coarse failure category the engine acts on
type Class int

const (
	// ClassTransient failures are retried with backoff
	ClassTransient Class = iota
	// ClassPermanent failures are never retried
	ClassPermanent
	// ClassQuotaExhausted means the account is out of quota; rotation
	// handles it, the item itself is not at fault
	ClassQuotaExhausted
	// ClassAuthFailure means the account could not authenticate or is
	// locked; rotation handles it
	ClassAuthFailure
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassQuotaExhausted:
		return "quota_exhausted"
	case ClassAuthFailure:
		return "auth_failure"
	default:
		return "transient"
	}
}

// Classify sorts an error into its failure class. Unclassified errors are
// treated as transient so a flaky remote never permanently fails an item
// on the first hiccup.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}

	switch errs.TypeOf(err) {
	case errs.ErrorTypeAuth, errs.ErrorTypeAccountLocked:
		return ClassAuthFailure
	case errs.ErrorTypeQuotaExhausted, errs.ErrorTypeNoAccount:
		return ClassQuotaExhausted
	case errs.ErrorTypeUnknownAccount:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// Policy decides whether a failed item gets another attempt and how long to
// wait first. Attempts are counted per item across the item's whole
// lifetime, so a crash-resumed item does not regain its budget.
type Policy struct {
	// MaxAttempts is the total attempt budget per item
	MaxAttempts int
	// Backoff strategy between transient failures
	Backoff BackoffStrategy
}

// NewPolicy creates a retry policy
func NewPolicy(maxAttempts int, backoff BackoffStrategy) *Policy {
	if backoff == nil {
		backoff = DefaultExponentialBackoff()
	}
	return &Policy{MaxAttempts: maxAttempts, Backoff: backoff}
}

// ShouldRetry reports whether an item that has used the given number of
// attempts and failed with the given class deserves another try. Quota and
// auth failures do not consume the item's budget; they are account
// problems, not item problems.
func (p *Policy) ShouldRetry(attempts int, class Class) bool {
	switch class {
	case ClassPermanent:
		return false
	case ClassQuotaExhausted, ClassAuthFailure:
		return true
	default:
		return attempts < p.MaxAttempts
	}
}

// Delay returns how long to wait before the next attempt
func (p *Policy) Delay(attempts int) time.Duration {
	return p.Backoff.NextDelay(attempts)
}
