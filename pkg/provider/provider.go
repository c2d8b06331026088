// Package provider abstracts the external authentication provider: sign-in
// and sign-up with email/password, token issuance, and asynchronous
// session-change notifications.
package provider

import (
	"context"
	"errors"
)

// Provider-level failures. The session service maps these onto the error
// taxonomy it returns to callers.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailInUse         = errors.New("email already in use")
	ErrWeakPassword       = errors.New("password too weak")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrRateLimited        = errors.New("too many attempts")
	ErrUnavailable        = errors.New("provider unavailable")
)

// Credentials is an issued identity: the provider's stable id for the user
// plus a bearer token.
type Credentials struct {
	IdentityID string
	Email      string
	Token      string
}

// ChangeFunc observes provider-side session changes. A nil Credentials
// means the provider reported a sign-out.
type ChangeFunc func(creds *Credentials)

// AuthProvider is the contract the session manager is written against.
type AuthProvider interface {
	SignIn(ctx context.Context, email, password string) (*Credentials, error)
	SignUp(ctx context.Context, email, password string) (*Credentials, error)
	SignOut(ctx context.Context) error

	// OnSessionChange registers fn for future session changes and returns
	// a cancel func.
	OnSessionChange(fn ChangeFunc) (cancel func())

	// RefreshToken returns a fresh token for a known identity.
	RefreshToken(ctx context.Context, identityID string) (string, error)

	// ValidateToken resolves a bearer token back to its identity.
	ValidateToken(token string) (identityID, email string, err error)
}
