package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// App bundles the services behind the HTTP surface.
type App struct {
	Config Config
	Logger *slog.Logger

	Sessions   *SessionStore
	Cookies    *CookieService
	Grants     *GrantRegistry
	Clients    *ClientRegistry
	Hooks      *HookRegistry
	JWKS       *JWKSManager
	Auditor    *Auditor
	Dispatcher *BackchannelDispatcher
	EndSession *EndSessionService
	Ciba       *CibaService
	Sweeper    *Sweeper
}

// NewApp wires the full application from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	jwks, err := NewJWKSManager(cfg.Server.SecretsPath, logger)
	if err != nil {
		return nil, err
	}

	sessions := NewSessionStore(cfg.Sessions, logger)
	cookies := NewCookieService(cfg.Server)
	grants := NewGrantRegistry(cfg, jwks, logger)
	clients, err := NewClientRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	hooks := NewHookRegistry(cfg.Hooks, logger)
	auditor := NewAuditor(logger, true)
	logoutTokens := NewLogoutTokenFactory(cfg, jwks)
	dispatcher := NewBackchannelDispatcher(cfg.EndSession, logger)
	endSession := NewEndSessionService(cfg, sessions, cookies, grants, clients, hooks,
		logoutTokens, dispatcher, auditor, logger)
	notifier := NewCibaNotifier(cfg.EndSession.BackchannelTimeout, logger)
	ciba := NewCibaService(cfg, clients, grants, notifier, auditor, logger)
	sweeper := NewSweeper(cfg.Sweeper.Interval, logger, sessions, grants, ciba, clients)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Sessions:   sessions,
		Cookies:    cookies,
		Grants:     grants,
		Clients:    clients,
		Hooks:      hooks,
		JWKS:       jwks,
		Auditor:    auditor,
		Dispatcher: dispatcher,
		EndSession: endSession,
		Ciba:       ciba,
		Sweeper:    sweeper,
	}, nil
}

// handleJWKS serves the public signing keys.
func (a *App) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.JWKS.PublicJWKS())
}

// handleSessionStatus reports the caller's session state. Always 200; an
// unresolvable session reads as state "unknown" rather than an error.
func (a *App) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	type statusResponse struct {
		State       string `json:"state"`
		CustomState string `json:"custom_state,omitempty"`
		AuthTime    int64  `json:"auth_time,omitempty"`
	}

	sess := a.Sessions.FromCookie(r)
	if sess == nil {
		writeJSON(w, http.StatusOK, statusResponse{State: "unknown"})
		return
	}

	resp := statusResponse{
		State:       string(sess.State),
		CustomState: sess.Attributes["custom_state"],
	}
	if !sess.AuthenticationTime.IsZero() {
		resp.AuthTime = sess.AuthenticationTime.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEndSession is the RP-initiated logout endpoint.
func (a *App) handleEndSession(w http.ResponseWriter, r *http.Request) {
	req := EndSessionRequest{
		IDTokenHint:           r.URL.Query().Get("id_token_hint"),
		PostLogoutRedirectURI: r.URL.Query().Get("post_logout_redirect_uri"),
		State:                 r.URL.Query().Get("state"),
		SessionID:             r.URL.Query().Get("session_id"),
		CookieSessionID:       a.Cookies.SessionIDFromRequest(r),
		ConsentSessionID:      a.Cookies.ConsentSessionIDFromRequest(r),
	}

	result, authErr := a.EndSession.EndSession(r.Context(), w, req)
	if authErr != nil {
		writeAuthError(w, r, authErr)
		return
	}

	if result.RedirectURI != "" {
		http.Redirect(w, r, result.RedirectURI, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store, no-cache")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(result.HTML))
}

// handleBcAuthorize is the CIBA backchannel authentication endpoint.
func (a *App) handleBcAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeAuthError(w, r, newAuthError(ErrInvalidRequest, "malformed request body"))
		return
	}

	client, authErr := a.authenticateClient(r)
	if authErr != nil {
		writeAuthError(w, r, authErr)
		return
	}

	params := CibaParams{
		Scope:                   r.PostFormValue("scope"),
		ClientNotificationToken: r.PostFormValue("client_notification_token"),
		LoginHintToken:          r.PostFormValue("login_hint_token"),
		IDTokenHint:             r.PostFormValue("id_token_hint"),
		LoginHint:               r.PostFormValue("login_hint"),
		BindingMessage:          r.PostFormValue("binding_message"),
		UserCode:                r.PostFormValue("user_code"),
	}
	if raw := r.PostFormValue("requested_expiry"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			writeAuthError(w, r, newAuthError(ErrInvalidRequest, "requested_expiry must be an integer"))
			return
		}
		params.RequestedExpiry = &secs
	}

	resp, authErr := a.Ciba.CreateRequest(params, client)
	if authErr != nil {
		writeAuthError(w, r, authErr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleToken is the token endpoint covering authorization_code, the CIBA
// grant, and refresh_token.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeAuthError(w, r, newAuthError(ErrInvalidRequest, "malformed request body"))
		return
	}

	client, authErr := a.authenticateClient(r)
	if authErr != nil {
		writeAuthError(w, r, authErr)
		return
	}

	switch GrantType(r.PostFormValue("grant_type")) {
	case GrantAuthorizationCode:
		_, tokens, authErr := a.Grants.RedeemCode(r.PostFormValue("code"), client.ClientID)
		if authErr != nil {
			writeAuthError(w, r, authErr)
			return
		}
		writeJSON(w, http.StatusOK, tokens)

	case GrantCiba:
		if !client.HasGrantType(GrantCiba) {
			writeAuthError(w, r, newAuthError(ErrUnauthorizedClient, "client did not register the CIBA grant type"))
			return
		}
		tokens, authErr := a.Ciba.Redeem(r.PostFormValue("auth_req_id"), client.ClientID)
		if authErr != nil {
			writeAuthError(w, r, authErr)
			return
		}
		writeJSON(w, http.StatusOK, tokens)

	case GrantRefreshToken:
		tokens, authErr := a.Grants.RefreshGrant(r.PostFormValue("refresh_token"), client.ClientID)
		if authErr != nil {
			writeAuthError(w, r, authErr)
			return
		}
		writeJSON(w, http.StatusOK, tokens)

	default:
		writeAuthError(w, r, newAuthError(ErrInvalidRequest, "unsupported grant_type"))
	}
}

// handleDevCibaComplete is the development stand-in for the authentication
// device: it grants or denies a pending backchannel request.
func (a *App) handleDevCibaComplete(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeAuthError(w, r, newAuthError(ErrInvalidRequest, "malformed request body"))
		return
	}
	authReqID := r.PostFormValue("auth_req_id")

	switch r.PostFormValue("action") {
	case "grant":
		if authErr := a.Ciba.Grant(authReqID, r.PostFormValue("user_id")); authErr != nil {
			writeAuthError(w, r, authErr)
			return
		}
	case "deny":
		a.Ciba.Deny(authReqID, ErrInvalidGrant, "the end user denied the request")
	default:
		writeAuthError(w, r, newAuthError(ErrInvalidRequest, "action must be grant or deny"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authenticateClient accepts basic auth or form credentials.
func (a *App) authenticateClient(r *http.Request) (*Client, *AuthError) {
	id, secret, ok := r.BasicAuth()
	if !ok {
		id = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}
	if strings.TrimSpace(id) == "" {
		return nil, newAuthError(ErrInvalidClient, "client credentials are required").withStatus(http.StatusUnauthorized)
	}
	return a.Clients.Authenticate(id, secret)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeAuthError renders the structured error, preferring a redirect when a
// validated target is attached.
func writeAuthError(w http.ResponseWriter, r *http.Request, e *AuthError) {
	if e.RedirectURI != "" {
		http.Redirect(w, r, e.errorRedirectURI(), http.StatusFound)
		return
	}
	status := e.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{
		"error":             string(e.Kind),
		"error_description": e.Description,
	})
}
