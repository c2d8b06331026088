// Package session owns the authentication state machine: boot
// reconciliation with the provider, login/signup/logout, the persisted
// session blob, and the degraded offline mode.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medipass/sync-api/internal/model"
	"github.com/medipass/sync-api/pkg/apperror"
	"github.com/medipass/sync-api/pkg/docstore"
	"github.com/medipass/sync-api/pkg/kvstore"
	"github.com/medipass/sync-api/pkg/metrics"
	"github.com/medipass/sync-api/pkg/provider"
)

// CacheKey is where the session blob lives in the local store. The name is
// carried over from the product's original client cache.
const CacheKey = "medipass-auth"

// syntheticNamespace seeds deterministic degraded identities, so the same
// email always maps to the same pseudo-identity across offline boots.
var syntheticNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Observer receives every successful state transition. Observers are
// invoked synchronously, in registration order.
type Observer func(state model.SessionState, session *model.Session)

// ProfileWriter is the slice of the upsert gateway profile merges route
// through.
type ProfileWriter interface {
	MergeWrite(ctx context.Context, collectionPath, documentKey string, fields model.JSONMap) error
}

// Service is the session manager. A nil provider or store puts it in
// degraded mode: sessions are synthesized locally and flagged.
type Service struct {
	provider provider.AuthProvider
	store    docstore.Store
	cache    kvstore.Store
	profiles ProfileWriter
	logger   *zerolog.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate

	mu           sync.Mutex
	state        model.SessionState
	session      *model.Session
	observers    []registeredObserver
	nextObserver int64
	opInFlight   bool
	cancelChange func()
}

type registeredObserver struct {
	id int64
	fn Observer
}

// NewService builds a session manager. provider and store may be nil when
// the remote collaborators could not be constructed; the manager then
// boots degraded instead of failing.
func NewService(authProvider provider.AuthProvider, store docstore.Store, cache kvstore.Store,
	profiles ProfileWriter, logger *zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		provider: authProvider,
		store:    store,
		cache:    cache,
		profiles: profiles,
		logger:   logger,
		metrics:  m,
		validate: validator.New(),
		state:    model.StateBooting,
	}
}

// Degraded reports whether the manager booted without its collaborators.
func (s *Service) Degraded() bool {
	return s.provider == nil || s.store == nil
}

// State returns the current state and a copy of the session, nil when
// unauthenticated.
func (s *Service) State() (model.SessionState, *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.session.Clone()
}

// Subscribe registers an observer for future transitions and returns a
// cancel func.
func (s *Service) Subscribe(fn Observer) func() {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers = append(s.observers, registeredObserver{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

// Initialize reconciles boot state: registers the provider change listener
// when the collaborators are reachable, otherwise restores the cached blob
// into a degraded session. All outcomes are observed via Subscribe; there
// is no return value.
func (s *Service) Initialize(ctx context.Context) {
	if s.Degraded() {
		s.initializeDegraded()
		return
	}

	cancel := s.provider.OnSessionChange(func(creds *provider.Credentials) {
		s.onProviderChange(ctx, creds)
	})
	s.mu.Lock()
	s.cancelChange = cancel
	s.mu.Unlock()

	s.setState(model.StateUnauthenticated, nil)
}

func (s *Service) initializeDegraded() {
	blob, err := s.cache.Get(CacheKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("session cache unreadable")
		}
		s.setState(model.StateUnauthenticated, nil)
		return
	}

	var cached model.CachedSession
	if err := json.Unmarshal(blob, &cached); err != nil {
		s.logger.Warn().Err(err).Msg("discarding corrupt session cache")
		s.setState(model.StateUnauthenticated, nil)
		return
	}

	s.logger.Info().Msg("restored cached session in degraded mode")
	s.setState(model.StateDegraded, &model.Session{
		IdentityID:  cached.IdentityID,
		DisplayName: cached.DisplayName,
		Role:        cached.Role,
		Email:       cached.Email,
		Token:       cached.Token,
		Degraded:    true,
	})
}

// onProviderChange handles provider-side session events. Changes caused by
// an in-flight login/signup are skipped; those flows commit their own
// transitions.
func (s *Service) onProviderChange(ctx context.Context, creds *provider.Credentials) {
	s.mu.Lock()
	inFlight := s.opInFlight
	s.mu.Unlock()
	if inFlight {
		return
	}

	if creds == nil {
		s.clearSession()
		s.setState(model.StateUnauthenticated, nil)
		return
	}

	profile, err := s.store.GetDocument(ctx, profilePath(creds.IdentityID))
	if err != nil {
		s.logger.Warn().Err(err).Str("identity", creds.IdentityID).Msg("profile fetch failed on provider change")
		s.clearSession()
		s.setState(model.StateUnauthenticated, nil)
		return
	}

	session := buildSession(creds, profile)
	s.persistBlob(session)
	s.setState(model.StateAuthenticated, session)
}

// Login authenticates with the provider and verifies the stored profile's
// role. All failures come back as tagged error values; the state machine
// is never left mid-transition.
func (s *Service) Login(ctx context.Context, email, password string, expectedRole model.Role) error {
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return apperror.InvalidInput("a valid email is required")
	}
	if password == "" {
		return apperror.InvalidInput("password is required")
	}
	if !expectedRole.Valid() {
		return apperror.InvalidInput("unknown role")
	}

	if s.Degraded() {
		s.loginDegraded(email, expectedRole)
		return nil
	}

	prevState, prevSession := s.State()
	s.beginOp()
	defer s.endOp()
	s.setState(model.StateAuthenticating, nil)

	rollback := func() {
		s.setState(prevState, prevSession)
	}

	creds, err := s.provider.SignIn(ctx, email, password)
	if err != nil {
		rollback()
		s.countLogin("provider_error")
		return s.mapProviderErr(ctx, err, "sign-in")
	}

	profile, err := s.store.GetDocument(ctx, profilePath(creds.IdentityID))
	if errors.Is(err, docstore.ErrNotFound) {
		s.signOutQuietly(ctx)
		rollback()
		s.countLogin("profile_missing")
		return apperror.New(apperror.CodeProfileMissing, "no profile exists for this account")
	}
	if err != nil {
		s.signOutQuietly(ctx)
		rollback()
		s.countLogin("store_error")
		return s.mapStoreErr(ctx, err, "profile fetch")
	}

	if role, _ := profile["role"].(string); model.Role(role) != expectedRole {
		s.signOutQuietly(ctx)
		rollback()
		s.countLogin("role_mismatch")
		return apperror.New(apperror.CodeRoleMismatch, "this account is registered as a different role")
	}

	session := buildSession(creds, profile)
	s.persistBlob(session)
	s.setState(model.StateAuthenticated, session)
	s.countLogin("success")
	if s.metrics != nil {
		s.metrics.SessionsActive.Set(1)
	}
	return nil
}

func (s *Service) loginDegraded(email string, role model.Role) {
	session := s.synthesize(email, displayNameFromEmail(email), role, nil)
	s.persistBlob(session)
	s.setState(model.StateDegraded, session)
	s.countLogin("degraded")
	if s.metrics != nil {
		s.metrics.DegradedSessions.Inc()
	}
}

// Signup creates the provider identity, then writes the initial profile
// document. The role defaults to patient when the draft leaves it empty.
func (s *Service) Signup(ctx context.Context, draft model.ProfileDraft) error {
	draft.Email = strings.TrimSpace(draft.Email)
	if strings.TrimSpace(draft.Name) == "" {
		return apperror.InvalidInput("name is required")
	}
	if err := s.validate.Var(draft.Email, "required,email"); err != nil {
		return apperror.InvalidInput("a valid email is required")
	}
	if draft.Role == "" {
		draft.Role = model.RolePatient
	}
	if !draft.Role.Valid() {
		return apperror.InvalidInput("unknown role")
	}

	if s.Degraded() {
		session := s.synthesize(draft.Email, draft.Name, draft.Role, draft.Extra)
		s.persistBlob(session)
		s.setState(model.StateDegraded, session)
		s.countSignup("degraded")
		if s.metrics != nil {
			s.metrics.DegradedSessions.Inc()
		}
		return nil
	}

	prevState, prevSession := s.State()
	s.beginOp()
	defer s.endOp()
	s.setState(model.StateSigningUp, nil)

	rollback := func() {
		s.setState(prevState, prevSession)
	}

	creds, err := s.provider.SignUp(ctx, draft.Email, draft.Password)
	if err != nil {
		rollback()
		s.countSignup("provider_error")
		return s.mapProviderErr(ctx, err, "sign-up")
	}

	profile := model.JSONMap{
		"name":               draft.Name,
		"email":              creds.Email,
		"phone":              draft.Phone,
		"role":               string(draft.Role),
		model.FieldCreatedAt: docstore.ServerTimestamp{},
	}
	for k, v := range draft.Extra {
		profile[k] = v
	}
	if err := s.profiles.MergeWrite(ctx, model.CollectionUsers, creds.IdentityID, profile); err != nil {
		s.signOutQuietly(ctx)
		rollback()
		s.countSignup("profile_write_failed")
		return err
	}

	// The stored server timestamp resolves on the store's clock; the
	// session view only needs the plain fields.
	delete(profile, model.FieldCreatedAt)
	session := buildSession(creds, docstore.Fields(profile))
	s.persistBlob(session)
	s.setState(model.StateAuthenticated, session)
	s.countSignup("success")
	if s.metrics != nil {
		s.metrics.SessionsActive.Set(1)
	}
	return nil
}

// Logout signs out with the provider on a best-effort basis but always
// clears the local session and cache, so a remote failure can never leave
// the user stuck authenticated.
func (s *Service) Logout(ctx context.Context) error {
	if s.provider != nil {
		s.beginOp()
		if err := s.provider.SignOut(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("provider sign-out failed; clearing local session anyway")
		}
		s.endOp()
	}

	s.clearSession()
	s.setState(model.StateUnauthenticated, nil)
	if s.metrics != nil {
		s.metrics.SessionsActive.Set(0)
	}
	return nil
}

// MergeProfile merges fields into the user's profile document and folds
// them into the live session.
func (s *Service) MergeProfile(ctx context.Context, fields model.JSONMap) error {
	s.mu.Lock()
	current := s.session.Clone()
	state := s.state
	s.mu.Unlock()

	if current == nil {
		return apperror.Unauthorized("no active session")
	}

	if state == model.StateDegraded {
		return apperror.WriteFailed(apperror.NetworkUnavailable(nil))
	}

	if err := s.profiles.MergeWrite(ctx, model.CollectionUsers, current.IdentityID, fields); err != nil {
		return err
	}

	if current.ProfileFields == nil {
		current.ProfileFields = model.JSONMap{}
	}
	for k, v := range fields {
		current.ProfileFields[k] = v
		if k == "name" {
			if name, ok := v.(string); ok {
				current.DisplayName = name
			}
		}
	}
	s.persistBlob(current)
	s.setState(state, current)
	return nil
}

// Close unhooks the provider change listener.
func (s *Service) Close() {
	s.mu.Lock()
	cancel := s.cancelChange
	s.cancelChange = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// synthesize builds the deterministic degraded session: identity derived
// from the email so repeat offline logins agree, token salted with the
// current time.
func (s *Service) synthesize(email, name string, role model.Role, extra model.JSONMap) *model.Session {
	identity := "local-" + uuid.NewSHA1(syntheticNamespace, []byte(strings.ToLower(email))).String()
	return &model.Session{
		IdentityID:    identity,
		DisplayName:   name,
		Role:          role,
		Email:         strings.ToLower(email),
		Token:         "local-token-" + uuid.NewSHA1(syntheticNamespace, []byte(email+time.Now().Format(time.RFC3339))).String(),
		Degraded:      true,
		ProfileFields: extra,
	}
}

func (s *Service) beginOp() {
	s.mu.Lock()
	s.opInFlight = true
	s.mu.Unlock()
}

func (s *Service) endOp() {
	s.mu.Lock()
	s.opInFlight = false
	s.mu.Unlock()
}

func (s *Service) signOutQuietly(ctx context.Context) {
	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("compensating sign-out failed")
	}
}

func (s *Service) persistBlob(session *model.Session) {
	blob, err := json.Marshal(model.CachedSession{
		IdentityID:  session.IdentityID,
		DisplayName: session.DisplayName,
		Role:        session.Role,
		Email:       session.Email,
		Token:       session.Token,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal session cache")
		return
	}
	if err := s.cache.Set(CacheKey, blob); err != nil {
		s.logger.Warn().Err(err).Msg("session cache write failed")
	}
}

func (s *Service) clearSession() {
	if err := s.cache.Remove(CacheKey); err != nil {
		s.logger.Warn().Err(err).Msg("session cache clear failed")
	}
}

// setState commits a transition and notifies observers synchronously in
// registration order. Observers run outside the lock so they may call back
// into the service.
func (s *Service) setState(state model.SessionState, session *model.Session) {
	s.mu.Lock()
	s.state = state
	s.session = session
	observers := make([]registeredObserver, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionTransitions.WithLabelValues(string(state)).Inc()
	}
	for _, o := range observers {
		o.fn(state, session.Clone())
	}
}

func (s *Service) mapProviderErr(ctx context.Context, err error, op string) error {
	switch {
	case ctxExpired(ctx, err):
		return apperror.Timeout(op, err)
	case errors.Is(err, provider.ErrInvalidCredentials):
		return apperror.Wrap(apperror.CodeInvalidCredentials, "invalid email or password", err)
	case errors.Is(err, provider.ErrRateLimited):
		return apperror.Wrap(apperror.CodeRateLimited, "too many attempts, try again later", err)
	case errors.Is(err, provider.ErrEmailInUse):
		return apperror.Wrap(apperror.CodeEmailInUse, "email already registered", err)
	case errors.Is(err, provider.ErrWeakPassword):
		return apperror.Wrap(apperror.CodeWeakPassword, "password does not meet the minimum length", err)
	case errors.Is(err, provider.ErrInvalidEmail):
		return apperror.Wrap(apperror.CodeInvalidInput, "invalid email address", err)
	default:
		return apperror.NetworkUnavailable(err)
	}
}

func (s *Service) mapStoreErr(ctx context.Context, err error, op string) error {
	if ctxExpired(ctx, err) {
		return apperror.Timeout(op, err)
	}
	return apperror.NetworkUnavailable(err)
}

func ctxExpired(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}

func (s *Service) countLogin(outcome string) {
	if s.metrics != nil {
		s.metrics.SessionLogins.WithLabelValues(outcome).Inc()
	}
}

func (s *Service) countSignup(outcome string) {
	if s.metrics != nil {
		s.metrics.SessionSignups.WithLabelValues(outcome).Inc()
	}
}

// displayNameFromEmail derives the degraded-login fallback display name
// from the email's local part.
func displayNameFromEmail(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}

func profilePath(identityID string) string {
	return model.CollectionUsers + "/" + identityID
}

func buildSession(creds *provider.Credentials, profile docstore.Fields) *model.Session {
	name, _ := profile["name"].(string)
	role, _ := profile["role"].(string)
	fields := make(model.JSONMap, len(profile))
	for k, v := range profile {
		fields[k] = v
	}
	return &model.Session{
		IdentityID:    creds.IdentityID,
		DisplayName:   name,
		Role:          model.Role(role),
		Email:         creds.Email,
		Token:         creds.Token,
		ProfileFields: fields,
	}
}
