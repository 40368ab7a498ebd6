// Package auth verifies the bearer credentials presented by connecting
// clients and resolves them to a subject identity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMissingToken  = errors.New("missing token")
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("expired token")
	ErrVerifyTimeout = errors.New("token verification timed out")
)

// Verifier resolves a token to a subject identity. Implementations must be
// safe for concurrent use and free of side effects.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (string, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// Reason classifies a verification error for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingToken):
		return "missing"
	case errors.Is(err, ErrExpiredToken):
		return "expired"
	case errors.Is(err, ErrVerifyTimeout):
		return "timeout"
	default:
		return "invalid"
	}
}

type result struct {
	identity string
	err      error
}

type timeoutVerifier struct {
	next    Verifier
	timeout time.Duration
}

// WithTimeout bounds every verification by d. A verifier that ignores its
// context still cannot hold the caller past the deadline.
func WithTimeout(v Verifier, d time.Duration) Verifier {
	if d <= 0 {
		return v
	}
	return &timeoutVerifier{next: v, timeout: d}
}

func (t *timeoutVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		identity, err := t.next.Verify(ctx, token)
		ch <- result{identity, err}
	}()

	select {
	case r := <-ch:
		return r.identity, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w after %s", ErrVerifyTimeout, t.timeout)
	}
}
