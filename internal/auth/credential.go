package auth

import "context"

// CredentialProvider yields the opaque token presented when opening a
// push connection. Tokens are consumed at connect time only; a live
// connection never renegotiates its credential.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

// Static is a fixed token, typically read from config.
type Static string

func (s Static) Credential(context.Context) (string, error) {
	return string(s), nil
}

// ProviderFunc adapts a plain function to CredentialProvider.
type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) Credential(ctx context.Context) (string, error) {
	return f(ctx)
}
