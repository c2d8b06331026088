package local

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/medipass/sync-api/pkg/docstore/memory"
	"github.com/medipass/sync-api/pkg/provider"
)

func newTestProvider(t *testing.T, cfg Config) *Provider {
	t.Helper()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "test-secret"
	}
	logger := zerolog.Nop()
	return New(memory.New(), cfg, &logger)
}

func TestSignUpThenSignIn(t *testing.T) {
	p := newTestProvider(t, Config{SignInRate: rate.Inf})
	ctx := context.Background()

	created, err := p.SignUp(ctx, "doc@x.com", "pw123456")
	require.NoError(t, err)
	assert.NotEmpty(t, created.IdentityID)
	assert.NotEmpty(t, created.Token)

	signedIn, err := p.SignIn(ctx, "doc@x.com", "pw123456")
	require.NoError(t, err)
	assert.Equal(t, created.IdentityID, signedIn.IdentityID)
}

func TestSignInWrongPassword(t *testing.T) {
	p := newTestProvider(t, Config{SignInRate: rate.Inf})
	ctx := context.Background()

	_, err := p.SignUp(ctx, "doc@x.com", "pw123456")
	require.NoError(t, err)

	_, err = p.SignIn(ctx, "doc@x.com", "wrongpw")
	assert.ErrorIs(t, err, provider.ErrInvalidCredentials)
}

func TestSignInUnknownEmail(t *testing.T) {
	p := newTestProvider(t, Config{SignInRate: rate.Inf})

	_, err := p.SignIn(context.Background(), "nobody@x.com", "pw123456")
	assert.ErrorIs(t, err, provider.ErrInvalidCredentials)
}

func TestSignUpDuplicateEmail(t *testing.T) {
	p := newTestProvider(t, Config{SignInRate: rate.Inf})
	ctx := context.Background()

	_, err := p.SignUp(ctx, "doc@x.com", "pw123456")
	require.NoError(t, err)

	_, err = p.SignUp(ctx, "DOC@x.com", "pw123456")
	assert.ErrorIs(t, err, provider.ErrEmailInUse)
}

func TestSignUpWeakPassword(t *testing.T) {
	p := newTestProvider(t, Config{SignInRate: rate.Inf})

	_, err := p.SignUp(context.Background(), "doc@x.com", "pw1")
	assert.ErrorIs(t, err, provider.ErrWeakPassword)
}

func TestSignUpInvalidEmail(t *testing.T) {
	p := newTestProvider(t, Config{SignInRate: rate.Inf})

	_, err := p.SignUp(context.Background(), "not-an-email", "pw123456")
	assert.ErrorIs(t, err, provider.ErrInvalidEmail)
}

func TestSignInRateLimited(t *testing.T) {
	p := newTestProvider(t, Config{SignInRate: rate.Every(time.Hour), SignInBurst: 1})
	ctx := context.Background()

	_, err := p.SignUp(ctx, "doc@x.com", "pw123456")
	require.NoError(t, err)

	_, err = p.SignIn(ctx, "doc@x.com", "pw123456")
	require.NoError(t, err)

	_, err = p.SignIn(ctx, "doc@x.com", "pw123456")
	assert.ErrorIs(t, err, provider.ErrRateLimited)
}

func TestValidateTokenRoundTrip(t *testing.T) {
	p := newTestProvider(t, Config{SignInRate: rate.Inf})

	creds, err := p.SignUp(context.Background(), "doc@x.com", "pw123456")
	require.NoError(t, err)

	identityID, email, err := p.ValidateToken(creds.Token)
	require.NoError(t, err)
	assert.Equal(t, creds.IdentityID, identityID)
	assert.Equal(t, "doc@x.com", email)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	p := newTestProvider(t, Config{SignInRate: rate.Inf})

	_, _, err := p.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, provider.ErrInvalidCredentials)
}

func TestRefreshTokenReusesFreshToken(t *testing.T) {
	p := newTestProvider(t, Config{SignInRate: rate.Inf})

	creds, err := p.SignUp(context.Background(), "doc@x.com", "pw123456")
	require.NoError(t, err)

	token, err := p.RefreshToken(context.Background(), creds.IdentityID)
	require.NoError(t, err)
	assert.Equal(t, creds.Token, token)
}

func TestOnSessionChangeFiresOnSignOut(t *testing.T) {
	p := newTestProvider(t, Config{SignInRate: rate.Inf})

	var got []*provider.Credentials
	cancel := p.OnSessionChange(func(creds *provider.Credentials) {
		got = append(got, creds)
	})
	defer cancel()

	creds, err := p.SignUp(context.Background(), "doc@x.com", "pw123456")
	require.NoError(t, err)
	require.NoError(t, p.SignOut(context.Background()))

	require.Len(t, got, 2)
	assert.Equal(t, creds.IdentityID, got[0].IdentityID)
	assert.Nil(t, got[1])
}
