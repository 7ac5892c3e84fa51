// Package auth supplies the bearer credential used for the live channel
// handshake and REST calls. Obtaining the credential is the identity
// provider's job; this package only hands it over.
package auth

import (
	"context"
	"net/http"
)

// TokenSource returns the current bearer token. An empty token means the
// request goes out unauthenticated.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential, e.g. from AUTH_TOKEN.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Authorize sets the Authorization header on req when src yields a token.
func Authorize(ctx context.Context, src TokenSource, req *http.Request) error {
	if src == nil {
		return nil
	}
	tok, err := src.Token(ctx)
	if err != nil {
		return err
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return nil
}
