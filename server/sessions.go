package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sessionCookieName        = "session_id"
	consentSessionCookieName = "consent_session_id"
	opBrowserStateCookieName = "opbs"
)

// SessionStore owns session records and their state machine:
// unauthenticated -> authenticated -> removed.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	bySid    map[string]string // outside sid -> session id
	logger   *slog.Logger

	authenticatedTTL   time.Duration
	unauthenticatedTTL time.Duration
}

// NewSessionStore constructs the store honouring configured lifetimes.
func NewSessionStore(cfg SessionsConfig, logger *slog.Logger) *SessionStore {
	return &SessionStore{
		sessions:           make(map[string]Session),
		bySid:              make(map[string]string),
		logger:             logger,
		authenticatedTTL:   cfg.TTL,
		unauthenticatedTTL: cfg.UnauthenticatedTTL,
	}
}

// GenerateUnauthenticated creates a fresh session in the unauthenticated
// state. The user id may be empty until login succeeds.
func (s *SessionStore) GenerateUnauthenticated(userID string, attrs map[string]string) *Session {
	now := time.Now()
	sess := Session{
		ID:                uuid.NewString(),
		OutsideSid:        uuid.NewString(),
		State:             SessionUnauthenticated,
		UserID:            userID,
		LastUsedAt:        now,
		Attributes:        copyAttrs(attrs),
		PermissionGranted: make(map[string]bool),
	}
	if s.unauthenticatedTTL > 0 {
		sess.ExpirationDate = now.Add(s.unauthenticatedTTL)
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.bySid[sess.OutsideSid] = sess.ID
	s.mu.Unlock()

	return cloneSession(sess)
}

// Authenticate promotes a session to the authenticated state, stamping the
// authentication time and carrying its attributes forward. Returns nil when
// the session does not exist.
func (s *SessionStore) Authenticate(id, userID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	now := time.Now()
	sess.State = SessionAuthenticated
	sess.UserID = userID
	sess.AuthenticationTime = now
	sess.LastUsedAt = now
	if s.authenticatedTTL > 0 {
		sess.ExpirationDate = now.Add(s.authenticatedTTL)
	} else {
		sess.ExpirationDate = time.Time{} // keep-alive
	}
	s.sessions[id] = sess
	return cloneSession(sess)
}

// Update merges attribute changes and refreshes the last-used stamp.
// Last write wins; concurrent attribute updates may be lost and callers
// must tolerate that.
func (s *SessionStore) Update(in *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[in.ID]
	if !ok {
		return
	}
	for k, v := range in.Attributes {
		if sess.Attributes == nil {
			sess.Attributes = make(map[string]string)
		}
		sess.Attributes[k] = v
	}
	for clientID, granted := range in.PermissionGranted {
		if sess.PermissionGranted == nil {
			sess.PermissionGranted = make(map[string]bool)
		}
		sess.PermissionGranted[clientID] = granted
	}
	sess.LastUsedAt = time.Now()
	s.sessions[in.ID] = sess
}

// AddPermission records per-client consent on the session.
func (s *SessionStore) AddPermission(id, clientID string, granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	if sess.PermissionGranted == nil {
		sess.PermissionGranted = make(map[string]bool)
	}
	sess.PermissionGranted[clientID] = granted
	sess.LastUsedAt = time.Now()
	s.sessions[id] = sess
}

// Get returns the session by id, or nil when absent.
func (s *SessionStore) Get(id string) *Session {
	if id == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return cloneSession(sess)
}

// GetBySid returns the session whose outside sid matches, or nil.
func (s *SessionStore) GetBySid(sid string) *Session {
	if sid == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySid[sid]
	if !ok {
		return nil
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	return cloneSession(sess)
}

// FromCookie resolves the session referenced by the request's session
// cookie, or nil when no cookie or no record exists.
func (s *SessionStore) FromCookie(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	return s.Get(cookie.Value)
}

// Remove deletes the session record. Removing an absent session is
// idempotent and reports false rather than failing.
func (s *SessionStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	delete(s.sessions, id)
	delete(s.bySid, sess.OutsideSid)
	return true
}

// SweepExpired removes sessions past their expiration date. Keep-alive
// sessions carry a zero expiration and are never selected.
func (s *SessionStore) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.ExpirationDate.IsZero() || !sess.ExpirationDate.Before(now) {
			continue
		}
		delete(s.sessions, id)
		delete(s.bySid, sess.OutsideSid)
		removed++
	}
	return removed
}

// Name implements SweepTarget.
func (s *SessionStore) Name() string { return "sessions" }

func copyAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSession(sess Session) *Session {
	out := sess
	out.Attributes = copyAttrs(sess.Attributes)
	out.PermissionGranted = make(map[string]bool, len(sess.PermissionGranted))
	for k, v := range sess.PermissionGranted {
		out.PermissionGranted[k] = v
	}
	return &out
}

// CookieService manages the three browser cookies: the primary session id,
// the consent session id, and the OP browser state marker.
type CookieService struct {
	domain string
	secure bool
}

// NewCookieService constructs cookie handling honouring config.
func NewCookieService(cfg ServerConfig) *CookieService {
	return &CookieService{
		domain: cfg.CookieDomain,
		secure: !cfg.DevMode,
	}
}

// SetSession sets the primary session cookie and a fresh OP browser state.
func (c *CookieService) SetSession(w http.ResponseWriter, sessionID string, ttl time.Duration) {
	c.set(w, sessionCookieName, sessionID, int(ttl.Seconds()))
	c.set(w, opBrowserStateCookieName, uuid.NewString(), int(ttl.Seconds()))
}

// SessionIDFromRequest returns the primary session cookie value, if any.
func (c *CookieService) SessionIDFromRequest(r *http.Request) string {
	return cookieValue(r, sessionCookieName)
}

// ConsentSessionIDFromRequest returns the consent session cookie value.
func (c *CookieService) ConsentSessionIDFromRequest(r *http.Request) string {
	return cookieValue(r, consentSessionCookieName)
}

// ClearSession removes the primary session and OP browser state cookies.
func (c *CookieService) ClearSession(w http.ResponseWriter) {
	c.clear(w, sessionCookieName)
	c.clear(w, opBrowserStateCookieName)
}

// ClearConsentSession removes the consent session cookie.
func (c *CookieService) ClearConsentSession(w http.ResponseWriter) {
	c.clear(w, consentSessionCookieName)
}

func (c *CookieService) set(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	})
}

func (c *CookieService) clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return cookie.Value
}
