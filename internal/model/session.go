package model

// Role identifies which side of the product a session belongs to.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

// SessionState is the session manager's observable state.
type SessionState string

const (
	StateBooting         SessionState = "booting"
	StateUnauthenticated SessionState = "unauthenticated"
	StateAuthenticating  SessionState = "authenticating"
	StateSigningUp       SessionState = "signing_up"
	StateAuthenticated   SessionState = "authenticated"
	StateDegraded        SessionState = "degraded"
)

// Session is the authenticated identity and role context for the current
// user. It is owned by the session manager; callers receive copies.
type Session struct {
	IdentityID    string  `json:"identity_id"`
	DisplayName   string  `json:"display_name"`
	Role          Role    `json:"role"`
	Email         string  `json:"email"`
	Token         string  `json:"token"`
	Degraded      bool    `json:"degraded"`
	ProfileFields JSONMap `json:"profile_fields,omitempty"`
}

// Clone returns a deep-enough copy for handing to observers. ProfileFields
// is copied one level; nested values are shared but treated as read-only.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.ProfileFields != nil {
		cp.ProfileFields = make(JSONMap, len(s.ProfileFields))
		for k, v := range s.ProfileFields {
			cp.ProfileFields[k] = v
		}
	}
	return &cp
}

// CachedSession is the minimal blob persisted across restarts. The token is
// kept so a degraded boot can restore the last identity without the provider.
type CachedSession struct {
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	Email       string `json:"email"`
	Token       string `json:"token"`
}

// ProfileDraft carries signup input. Role defaults to patient when empty.
type ProfileDraft struct {
	Name     string  `json:"name" binding:"required"`
	Email    string  `json:"email" binding:"required,email"`
	Password string  `json:"password" binding:"required"`
	Phone    string  `json:"phone"`
	Role     Role    `json:"role"`
	Extra    JSONMap `json:"extra,omitempty"`
}

// LoginRequest is the auth handler's login payload.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Role     Role   `json:"role" binding:"required"`
}
