// Package local is a self-hosted provider.AuthProvider: credentials live
// as bcrypt hashes in the document store, tokens are signed JWTs, and a
// shared rate limiter throttles sign-in attempts.
package local

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/medipass/sync-api/pkg/docstore"
	"github.com/medipass/sync-api/pkg/provider"
)

const (
	credentialsCollection = "credentials"
	minPasswordLength     = 6
	bcryptCost            = 12
	tokenExpiry           = 24 * time.Hour
	tokenCacheCleanup     = 1 * time.Hour
)

type Config struct {
	JWTSecret     string
	SignInRate    rate.Limit
	SignInBurst   int
	TokenLifetime time.Duration
}

// Provider implements provider.AuthProvider against a docstore backend.
type Provider struct {
	store   docstore.Store
	secret  []byte
	expiry  time.Duration
	limiter *rate.Limiter
	tokens  *cache.Cache
	logger  *zerolog.Logger

	mu        sync.Mutex
	observers map[int64]provider.ChangeFunc
	nextID    int64
	current   *provider.Credentials
}

func New(store docstore.Store, cfg Config, logger *zerolog.Logger) *Provider {
	expiry := cfg.TokenLifetime
	if expiry == 0 {
		expiry = tokenExpiry
	}
	if cfg.SignInBurst == 0 {
		cfg.SignInBurst = 5
	}
	if cfg.SignInRate == 0 {
		cfg.SignInRate = rate.Every(time.Second)
	}
	return &Provider{
		store:     store,
		secret:    []byte(cfg.JWTSecret),
		expiry:    expiry,
		limiter:   rate.NewLimiter(cfg.SignInRate, cfg.SignInBurst),
		tokens:    cache.New(expiry, tokenCacheCleanup),
		logger:    logger,
		observers: make(map[int64]provider.ChangeFunc),
	}
}

func credentialsPath(email string) string {
	return credentialsCollection + "/" + strings.ToLower(email)
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (*provider.Credentials, error) {
	if !p.limiter.Allow() {
		return nil, provider.ErrRateLimited
	}

	fields, err := p.store.GetDocument(ctx, credentialsPath(email))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, provider.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}

	hash, _ := fields["password_hash"].(string)
	identityID, _ := fields["identity_id"].(string)
	if hash == "" || identityID == "" {
		return nil, provider.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, provider.ErrInvalidCredentials
	}

	token, err := p.issueToken(identityID, email)
	if err != nil {
		return nil, err
	}

	creds := &provider.Credentials{IdentityID: identityID, Email: strings.ToLower(email), Token: token}
	p.setCurrent(creds)
	return creds, nil
}

func (p *Provider) SignUp(ctx context.Context, email, password string) (*provider.Credentials, error) {
	if !strings.Contains(email, "@") {
		return nil, provider.ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return nil, provider.ErrWeakPassword
	}

	path := credentialsPath(email)
	if _, err := p.store.GetDocument(ctx, path); err == nil {
		return nil, provider.ErrEmailInUse
	} else if !errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	identityID := uuid.NewString()
	err = p.store.MergeWrite(ctx, path, docstore.Fields{
		"identity_id":   identityID,
		"password_hash": string(hash),
		"created_at":    docstore.ServerTimestamp{},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}

	token, err := p.issueToken(identityID, email)
	if err != nil {
		return nil, err
	}

	creds := &provider.Credentials{IdentityID: identityID, Email: strings.ToLower(email), Token: token}
	p.setCurrent(creds)
	return creds, nil
}

func (p *Provider) SignOut(context.Context) error {
	p.setCurrent(nil)
	return nil
}

func (p *Provider) OnSessionChange(fn provider.ChangeFunc) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.observers[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

func (p *Provider) RefreshToken(_ context.Context, identityID string) (string, error) {
	if cached, ok := p.tokens.Get(identityID); ok {
		entry := cached.(tokenEntry)
		// Reuse while at least half the lifetime remains.
		if time.Until(entry.expires) > p.expiry/2 {
			return entry.token, nil
		}
	}

	email := ""
	p.mu.Lock()
	if p.current != nil && p.current.IdentityID == identityID {
		email = p.current.Email
	}
	p.mu.Unlock()
	if email == "" {
		return "", provider.ErrInvalidCredentials
	}
	return p.issueToken(identityID, email)
}

func (p *Provider) ValidateToken(tokenString string) (string, string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", provider.ErrInvalidCredentials
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", provider.ErrInvalidCredentials
	}
	identityID, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	if identityID == "" {
		return "", "", provider.ErrInvalidCredentials
	}
	return identityID, email, nil
}

type tokenEntry struct {
	token   string
	expires time.Time
}

func (p *Provider) issueToken(identityID, email string) (string, error) {
	expires := time.Now().Add(p.expiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   identityID,
		"email": strings.ToLower(email),
		"exp":   expires.Unix(),
		"iat":   time.Now().Unix(),
	})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	p.tokens.Set(identityID, tokenEntry{token: signed, expires: expires}, cache.DefaultExpiration)
	return signed, nil
}

func (p *Provider) setCurrent(creds *provider.Credentials) {
	p.mu.Lock()
	p.current = creds
	observers := make([]provider.ChangeFunc, 0, len(p.observers))
	for _, fn := range p.observers {
		observers = append(observers, fn)
	}
	p.mu.Unlock()

	for _, fn := range observers {
		fn(creds)
	}
}
