package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc is one attempt of a transaction. Firestore replays it on contention, so it must not
// carry side effects outside tx.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption overrides the provider's transaction defaults for one call.
type TxOption func(*txSettings)

type txSettings struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts caps retries. One attempt turns contention into an immediate conflict error.
func WithTxAttempts(attempts int) TxOption {
	return func(s *txSettings) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// WithTxTimeout bounds the whole transaction including retries.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(s *txSettings) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func (p *Provider) txSettings(opts []TxOption) txSettings {
	s := txSettings{attempts: p.cfg.TxAttempts, timeout: p.cfg.TxTimeout}
	if s.attempts <= 0 {
		s.attempts = defaultTxAttempts
	}
	if s.timeout <= 0 {
		s.timeout = defaultTxTimeout
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// txContext applies the timeout unless the caller's deadline is already sooner.
func (s txSettings) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= s.timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// RunTransaction runs fn in a read-write transaction on the shared client. Errors are wrapped
// so an exhausted retry budget surfaces as a conflict.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	if fn == nil {
		return WrapError("transaction", errors.New("firestore: transaction function is nil"))
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	settings := p.txSettings(opts)
	txCtx, cancel := settings.txContext(ctx)
	defer cancel()

	err = client.RunTransaction(txCtx, fn, firestore.MaxAttempts(settings.attempts))
	return WrapError("transaction", err)
}
