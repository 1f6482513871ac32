// Package retry classifies transfer errors and decides whether a failed
// item gets another attempt.
//
// Every failure is sorted into one of four classes:
//   - Transient: network trouble, server errors, timeouts. Retried with
//     exponential backoff up to the attempt budget.
//   - Permanent: cancellation, unknown accounts, malformed items. Never
//     retried.
//   - QuotaExhausted: an account hit its daily ceiling. Not a retry matter
//     at all; the rotation layer switches accounts and the item is
//     reattempted immediately.
//   - AuthFailure: rejected credentials or a locked account. Handled by
//     rotation, not by waiting.
//
// Basic usage:
//
//	policy := retry.NewPolicy(3, retry.DefaultExponentialBackoff())
//	class := retry.Classify(err)
//	if policy.ShouldRetry(attempts, class) {
//		retry.Wait(ctx, policy.Delay(attempts))
//	}
package retry
