package session

import (
	"context"
	"net/http"
	"time"

	"bookfetch/pkg/account"
)

// Session is a capability bound to exactly one account. It authorizes
// transfers for the lifetime of a run, or until the remote invalidates it.
// A session is never shared between two in-flight transfers.
type Session struct {
	AccountID string
	Client    *http.Client
	CreatedAt time.Time
}

// Provider acquires an authenticated session for an account. Implementations
// report failures through the engine error taxonomy: auth for rejected
// credentials, account_locked for a remote-side block, transient for network
// trouble during login.
type Provider interface {
	Acquire(ctx context.Context, acct account.Account) (*Session, error)
}

// ProviderFunc adapts a function to the Provider interface
type ProviderFunc func(ctx context.Context, acct account.Account) (*Session, error)

// Acquire calls f
func (f ProviderFunc) Acquire(ctx context.Context, acct account.Account) (*Session, error) {
	return f(ctx, acct)
}
