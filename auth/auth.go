// Package auth defines the credential surfaces the stream client consumes.
// Token acquisition and storage live with the caller; the client only needs
// a bearer token per request and a place to report definitive rejection.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates the server definitively rejected the client's
// credentials. The stream client treats this as fatal and stops.
var ErrUnauthorized = errors.New("unauthorized")

// TokenProvider supplies the bearer token for outbound requests. An empty
// token with a nil error means "no bearer credential"; the client then
// falls back to ambient credentials (cookies) instead.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// RequiredNotifier receives the auth-required signal when the server
// rejects the stream with 401. Implementations typically surface a
// re-authentication flow; the client has already stopped reconnecting by
// the time this fires.
type RequiredNotifier interface {
	AuthRequired(ctx context.Context, reason string)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// RequiredNotifierFunc adapts a function to RequiredNotifier.
type RequiredNotifierFunc func(ctx context.Context, reason string)

func (f RequiredNotifierFunc) AuthRequired(ctx context.Context, reason string) { f(ctx, reason) }

// StaticToken returns a TokenProvider that always yields tok.
func StaticToken(tok string) TokenProvider {
	return TokenProviderFunc(func(context.Context) (string, error) { return tok, nil })
}
