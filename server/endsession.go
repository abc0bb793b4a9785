package server

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
)

// EndSessionRequest carries the parsed /end_session inputs.
type EndSessionRequest struct {
	IDTokenHint           string
	PostLogoutRedirectURI string
	State                 string
	SessionID             string // session_id query parameter
	CookieSessionID       string
	ConsentSessionID      string
}

// EndSessionResult is the decided response: a redirect target or an HTML
// logout page, never both.
type EndSessionResult struct {
	RedirectURI string
	HTML        string
}

// EndSessionService orchestrates RP-initiated logout: hint validation,
// session resolution, the pre-logout hook, token and session removal,
// post-logout redirect validation, and front/back channel dispatch.
type EndSessionService struct {
	cfg          EndSessionConfig
	sessions     *SessionStore
	cookies      *CookieService
	grants       *GrantRegistry
	clients      *ClientRegistry
	hooks        *HookRegistry
	logoutTokens *LogoutTokenFactory
	dispatcher   *BackchannelDispatcher
	auditor      *Auditor
	logger       *slog.Logger
}

// NewEndSessionService wires the orchestrator.
func NewEndSessionService(cfg Config, sessions *SessionStore, cookies *CookieService, grants *GrantRegistry,
	clients *ClientRegistry, hooks *HookRegistry, logoutTokens *LogoutTokenFactory,
	dispatcher *BackchannelDispatcher, auditor *Auditor, logger *slog.Logger) *EndSessionService {
	return &EndSessionService{
		cfg:          cfg.EndSession,
		sessions:     sessions,
		cookies:      cookies,
		grants:       grants,
		clients:      clients,
		hooks:        hooks,
		logoutTokens: logoutTokens,
		dispatcher:   dispatcher,
		auditor:      auditor,
		logger:       logger,
	}
}

// EndSession runs the logout protocol. Validation strictly precedes
// mutation; mutation strictly precedes back-channel dispatch. The writer is
// only used for cookie clearing.
func (s *EndSessionService) EndSession(ctx context.Context, w http.ResponseWriter, req EndSessionRequest) (*EndSessionResult, *AuthError) {
	audit := &auditRecord{}
	defer func() { s.auditor.LogEndSession(audit.clientIDs, audit.scope, audit.userID, audit.success) }()

	// Both hints are optional, but when supplied they must be valid.
	sidSession, authErr := s.validateSessionIDParam(req.SessionID, req.PostLogoutRedirectURI)
	if authErr != nil {
		return nil, authErr
	}
	grant, authErr := s.validateIDTokenHint(req.IDTokenHint, req.PostLogoutRedirectURI)
	if authErr != nil {
		return nil, authErr
	}

	// Consent session cleanup is independent of the main session.
	s.removeConsentSession(w, req.ConsentSessionID)

	sess := sidSession
	if sess == nil {
		sess = s.sessions.Get(req.CookieSessionID)
	}
	if sess == nil {
		return nil, s.errorResponse(req.PostLogoutRedirectURI, ErrInvalidGrantAndSession,
			"failed to identify session by session_id parameter or by session cookie")
	}

	audit.fill(sess, grant)

	if err := s.hooks.PreLogout().OnPreLogout(ctx, sess); err != nil {
		s.logger.Error("pre-logout hook rejected logout", "session_id", sess.ID, "error", err)
		return nil, s.errorResponse(req.PostLogoutRedirectURI, ErrInvalidGrant,
			"external pre-logout hook rejected the request").withStatus(http.StatusUnauthorized)
	}

	// Point of no return: remove tokens, then the session, then the
	// browser cookies. The steps are not transactional; a stale session
	// left behind by a crash is reclaimed by the sweeper.
	removedTokens := s.grants.RemoveAllTokensBySession(sess.ID)
	if !s.sessions.Remove(sess.ID) {
		// A concurrent logout already removed it. Idempotent.
		s.logger.Warn("session already removed", "session_id", sess.ID)
	}
	s.cookies.ClearSession(w)
	s.logger.Info("session ended", "session_id", sess.ID, "tokens_removed", removedTokens)

	postLogoutRedirectURI, authErr := s.validatePostLogoutRedirectURI(req.PostLogoutRedirectURI, sess, grant)
	if authErr != nil {
		return nil, authErr
	}

	clients := s.ssoClients(sess, grant)
	frontchannelURIs, backchannelTargets := collectLogoutURIs(clients, sess.OutsideSid)

	s.dispatchBackchannel(backchannelTargets, sess, grant)

	if postLogoutRedirectURI != "" && req.State != "" {
		postLogoutRedirectURI = appendQueryParam(postLogoutRedirectURI, "state", req.State)
	}

	audit.success = true

	if len(frontchannelURIs) == 0 && postLogoutRedirectURI != "" {
		return &EndSessionResult{RedirectURI: postLogoutRedirectURI}, nil
	}

	html, err := renderFrontchannelPage(frontchannelURIs, postLogoutRedirectURI)
	if err != nil {
		s.logger.Error("frontchannel page render", "error", err)
		return nil, newAuthError(ErrInvalidRequest, "failed to build logout page")
	}
	return &EndSessionResult{HTML: html}, nil
}

// validateSessionIDParam resolves the optional session_id parameter. When
// present it must match a known session.
func (s *EndSessionService) validateSessionIDParam(sessionID, postLogoutRedirectURI string) (*Session, *AuthError) {
	if sessionID == "" {
		return nil, nil
	}
	sess := s.sessions.GetBySid(sessionID)
	if sess == nil {
		sess = s.sessions.Get(sessionID)
	}
	if sess == nil {
		return nil, s.errorResponse(postLogoutRedirectURI, ErrInvalidGrantAndSession,
			"session_id parameter is not valid; it can be skipped, otherwise a valid value must be provided")
	}
	return sess, nil
}

// validateIDTokenHint resolves the optional id_token_hint to a grant,
// falling back to an access-token lookup only when configured.
func (s *EndSessionService) validateIDTokenHint(idTokenHint, postLogoutRedirectURI string) (*AuthorizationGrant, *AuthError) {
	if idTokenHint == "" {
		return nil, nil
	}
	grant := s.grants.FindGrantByIDToken(idTokenHint)
	if grant == nil && s.cfg.WithAccessToken {
		grant = s.grants.FindGrantByAccessToken(idTokenHint)
	}
	if grant == nil {
		return nil, s.errorResponse(postLogoutRedirectURI, ErrInvalidGrantAndSession,
			"id_token_hint is not valid; it can be skipped, otherwise a valid value must be provided")
	}
	return grant, nil
}

// validatePostLogoutRedirectURI runs after the session has been removed; a
// failure here surfaces the dedicated error code rather than re-attempting
// the already-completed removal.
func (s *EndSessionService) validatePostLogoutRedirectURI(uri string, sess *Session, grant *AuthorizationGrant) (string, *AuthError) {
	if uri == "" {
		return "", nil
	}
	if s.allowPostLogoutRedirect(uri) {
		return uri, nil
	}

	var candidates []*Client
	if grant != nil {
		if client := s.clients.Get(grant.ClientID); client != nil {
			candidates = append(candidates, client)
		}
	} else {
		candidates = s.clients.GetAll(grantedClientIDs(sess))
	}

	if ValidatePostLogoutRedirectURI(candidates, uri) == "" {
		return "", newAuthError(ErrPostLogoutURINotAssociated,
			"post_logout_redirect_uri is not associated with any client involved in the session")
	}
	return uri, nil
}

// allowPostLogoutRedirect permits a redirect without client association only
// when both the configuration flag is set and the URI is allow-listed.
func (s *EndSessionService) allowPostLogoutRedirect(uri string) bool {
	return uri != "" &&
		s.cfg.AllowPostLogoutRedirectWithoutValidation &&
		MatchesURLPatterns(s.cfg.PostLogoutAllowList, uri)
}

// errorResponse builds the structured error, attaching a redirect target
// only when redirecting there is permitted.
func (s *EndSessionService) errorResponse(postLogoutRedirectURI string, kind ErrorKind, desc string) *AuthError {
	e := newAuthError(kind, desc)
	if s.allowPostLogoutRedirect(postLogoutRedirectURI) {
		e = e.withRedirect(postLogoutRedirectURI)
	}
	return e
}

// removeConsentSession removes the consent session record and cookie.
// Best-effort: failures are logged and never fail the overall request.
func (s *EndSessionService) removeConsentSession(w http.ResponseWriter, consentSessionID string) {
	defer s.cookies.ClearConsentSession(w)

	if consentSessionID == "" {
		return
	}
	consent := s.sessions.Get(consentSessionID)
	if consent == nil {
		s.logger.Warn("consent session cookie does not resolve", "consent_session_id", consentSessionID)
		return
	}
	if !s.sessions.Remove(consent.ID) {
		s.logger.Warn("failed to remove consent session", "consent_session_id", consentSessionID)
	}
}

// ssoClients is the union of clients referenced by the session's permission
// map and the client of the resolved grant.
func (s *EndSessionService) ssoClients(sess *Session, grant *AuthorizationGrant) []*Client {
	clients := s.clients.GetAll(grantedClientIDs(sess))
	if grant != nil {
		seen := false
		for _, c := range clients {
			if c.ClientID == grant.ClientID {
				seen = true
				break
			}
		}
		if !seen {
			if client := s.clients.Get(grant.ClientID); client != nil {
				clients = append(clients, client)
			}
		}
	}
	return clients
}

// collectLogoutURIs splits the clients into front-channel URIs and
// back-channel targets. A client with any back-channel URI never appears in
// the front-channel set. Blank URIs are skipped; sid is appended to
// front-channel URIs only when the client requires it.
func collectLogoutURIs(clients []*Client, outsideSid string) ([]string, map[string]*Client) {
	var frontchannel []string
	backchannel := make(map[string]*Client)

	for _, client := range clients {
		hasBackchannel := false
		for _, uri := range client.BackchannelLogoutURIs {
			if strings.TrimSpace(uri) == "" {
				continue
			}
			backchannel[uri] = client
			hasBackchannel = true
		}
		if hasBackchannel {
			continue
		}
		if strings.TrimSpace(client.FrontChannelLogoutURI) == "" {
			continue
		}
		uri := client.FrontChannelLogoutURI
		if client.FrontChannelLogoutSessionRequired {
			uri = appendSid(uri, outsideSid)
		}
		frontchannel = append(frontchannel, uri)
	}

	sort.Strings(frontchannel)
	return frontchannel, backchannel
}

// dispatchBackchannel signs one logout token per target client and hands
// the batch to the bounded pool. Fire-and-forget.
func (s *EndSessionService) dispatchBackchannel(targets map[string]*Client, sess *Session, grant *AuthorizationGrant) {
	if len(targets) == 0 {
		return
	}

	userID := sess.UserID
	if grant != nil && grant.UserID != "" {
		userID = grant.UserID
	}

	tokens := make(map[string]string, len(targets))
	for uri, client := range targets {
		token, err := s.logoutTokens.CreateLogoutToken(client, sess.OutsideSid, userID)
		if err != nil {
			s.logger.Error("failed to create logout token", "client_id", client.ClientID, "error", err)
			continue
		}
		tokens[uri] = token
	}
	s.dispatcher.Dispatch(tokens)
}

func grantedClientIDs(sess *Session) []string {
	ids := make([]string, 0, len(sess.PermissionGranted))
	for clientID, granted := range sess.PermissionGranted {
		if granted {
			ids = append(ids, clientID)
		}
	}
	sort.Strings(ids)
	return ids
}

// auditRecord accumulates the fields of the end-session audit event.
type auditRecord struct {
	clientIDs []string
	scope     string
	userID    string
	success   bool
}

func (a *auditRecord) fill(sess *Session, grant *AuthorizationGrant) {
	if grant != nil {
		a.clientIDs = []string{grant.ClientID}
		a.scope = strings.Join(grant.Scopes, " ")
		a.userID = grant.UserID
		return
	}
	a.clientIDs = grantedClientIDs(sess)
	a.scope = sess.Attributes["scope"]
	a.userID = sess.UserID
}
