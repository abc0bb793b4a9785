package server

import (
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CibaParams carries the parsed backchannel authentication request.
type CibaParams struct {
	Scope                   string
	ClientNotificationToken string
	LoginHintToken          string
	IDTokenHint             string
	LoginHint               string
	BindingMessage          string
	UserCode                string
	RequestedExpiry         *int // seconds, nil when absent
}

// CibaResponse is the payload returned from the backchannel authentication
// endpoint.
type CibaResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval,omitempty"`
}

type cibaEntry struct {
	req    *CibaRequest
	tokens TokenResponse
}

// CibaService controls the client-initiated backchannel authentication
// flow: parameter validation, request bookkeeping, and poll/ping/push
// token delivery.
type CibaService struct {
	mu       sync.Mutex
	requests map[string]*cibaEntry

	clients        *ClientRegistry
	grants         *GrantRegistry
	notifier       *CibaNotifier
	auditor        *Auditor
	cfg            CibaConfig
	bindingPattern *regexp.Regexp
	logger         *slog.Logger
}

// NewCibaService constructs the controller. The binding message pattern is
// validated at config load.
func NewCibaService(cfg Config, clients *ClientRegistry, grants *GrantRegistry, notifier *CibaNotifier,
	auditor *Auditor, logger *slog.Logger) *CibaService {
	var pattern *regexp.Regexp
	if cfg.Ciba.BindingMessagePattern != "" {
		pattern = regexp.MustCompile(cfg.Ciba.BindingMessagePattern)
	}
	return &CibaService{
		requests:       make(map[string]*cibaEntry),
		clients:        clients,
		grants:         grants,
		notifier:       notifier,
		auditor:        auditor,
		cfg:            cfg.Ciba,
		bindingPattern: pattern,
		logger:         logger,
	}
}

// ValidateParams checks the request before any side effect. Checks run in a
// fixed order and the first failing check wins.
func (s *CibaService) ValidateParams(p CibaParams, client *Client) *AuthError {
	mode := client.BackchannelTokenDeliveryMode
	if mode == "" {
		return newAuthError(ErrUnauthorizedClient, "client has no backchannel token delivery mode registered")
	}

	if !slices.Contains(strings.Fields(p.Scope), "openid") {
		return newAuthError(ErrInvalidScope, "scope must include openid")
	}

	hints := 0
	for _, h := range []string{p.LoginHintToken, p.IDTokenHint, p.LoginHint} {
		if strings.TrimSpace(h) != "" {
			hints++
		}
	}
	if hints != 1 {
		return newAuthError(ErrInvalidRequest, "exactly one of login_hint_token, id_token_hint or login_hint must be provided")
	}

	if mode == DeliveryPing || mode == DeliveryPush {
		if strings.TrimSpace(p.ClientNotificationToken) == "" {
			return newAuthError(ErrInvalidRequest, "client_notification_token is required for ping and push delivery modes")
		}
	}

	if p.BindingMessage != "" && s.bindingPattern != nil && !s.bindingPattern.MatchString(p.BindingMessage) {
		return newAuthError(ErrInvalidBindingMessage, "binding_message does not match the allowed pattern")
	}

	if client.BackchannelUserCodeParameter {
		switch {
		case p.UserCode == "":
			return newAuthError(ErrInvalidUserCode, "user_code is required for this client")
		case client.UserCode == "":
			return newAuthError(ErrInvalidUserCode, "no user code is registered for the end user")
		case p.UserCode != client.UserCode:
			return newAuthError(ErrInvalidUserCode, "user_code does not match the registered code")
		}
	}

	if p.RequestedExpiry != nil {
		secs := *p.RequestedExpiry
		if secs < 1 || time.Duration(secs)*time.Second > s.cfg.MaxRequestedExpiry {
			return newAuthError(ErrInvalidRequest, "requested_expiry is out of the allowed range")
		}
	}

	return nil
}

// CreateRequest validates the parameters and records a pending
// authentication request.
func (s *CibaService) CreateRequest(p CibaParams, client *Client) (CibaResponse, *AuthError) {
	if authErr := s.ValidateParams(p, client); authErr != nil {
		s.auditor.LogCibaRequest(client.ClientID, "", false, string(authErr.Kind))
		return CibaResponse{}, authErr
	}

	now := time.Now()
	expiry := s.cfg.DefaultExpiry
	if p.RequestedExpiry != nil {
		expiry = time.Duration(*p.RequestedExpiry) * time.Second
	}

	req := &CibaRequest{
		AuthReqID:               uuid.NewString(),
		ClientID:                client.ClientID,
		Scope:                   p.Scope,
		ClientNotificationToken: p.ClientNotificationToken,
		BindingMessage:          p.BindingMessage,
		DeliveryMode:            client.BackchannelTokenDeliveryMode,
		Status:                  CibaPending,
		CreatedAt:               now,
		ExpirationDate:          now.Add(expiry),
	}

	s.mu.Lock()
	s.requests[req.AuthReqID] = &cibaEntry{req: req}
	s.mu.Unlock()

	s.auditor.LogCibaRequest(client.ClientID, req.AuthReqID, true, "")

	return CibaResponse{
		AuthReqID: req.AuthReqID,
		ExpiresIn: int64(expiry.Seconds()),
		Interval:  int64(s.cfg.TokenEndpointInterval.Seconds()),
	}, nil
}

// Get returns the request by auth_req_id, or nil.
func (s *CibaService) Get(authReqID string) *CibaRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.requests[authReqID]
	if !ok {
		return nil
	}
	cp := *entry.req
	return &cp
}

// Grant marks the request authenticated, mints tokens, and delivers them
// per the client's delivery mode. Push requests are destroyed on delivery.
func (s *CibaService) Grant(authReqID, userID string) *AuthError {
	s.mu.Lock()
	entry, ok := s.requests[authReqID]
	if !ok || entry.req.Status != CibaPending {
		s.mu.Unlock()
		return newAuthError(ErrInvalidGrant, "auth_req_id is not known or no longer pending")
	}
	if time.Now().After(entry.req.ExpirationDate) {
		delete(s.requests, authReqID)
		s.mu.Unlock()
		return newAuthError(ErrExpiredToken, "the backchannel authentication request expired")
	}
	req := entry.req
	s.mu.Unlock()

	client := s.clients.Get(req.ClientID)
	if client == nil {
		return newAuthError(ErrInvalidGrant, "client of the request is no longer registered")
	}

	grant, tokens, err := s.grants.CreateCibaGrant(req.ClientID, userID, strings.Fields(req.Scope))
	if err != nil {
		s.logger.Error("ciba token mint", "auth_req_id", authReqID, "error", err)
		return newAuthError(ErrInvalidRequest, "failed to mint tokens")
	}

	s.mu.Lock()
	entry, ok = s.requests[authReqID]
	if !ok {
		s.mu.Unlock()
		return newAuthError(ErrInvalidGrant, "the backchannel authentication request was reclaimed")
	}
	entry.req.Status = CibaGranted
	entry.req.UserID = userID
	entry.req.GrantID = grant.ID
	entry.tokens = tokens
	if req.DeliveryMode == DeliveryPush {
		delete(s.requests, authReqID)
	}
	s.mu.Unlock()

	switch req.DeliveryMode {
	case DeliveryPing:
		go s.notifier.Ping(client.BackchannelClientNotificationEndpoint, req.ClientNotificationToken, authReqID)
	case DeliveryPush:
		go s.notifier.PushTokens(client.BackchannelClientNotificationEndpoint, req.ClientNotificationToken, authReqID, tokens)
	}
	return nil
}

// Deny records an authentication failure. Push clients receive an error
// payload; poll and ping clients learn of it at the token endpoint.
func (s *CibaService) Deny(authReqID string, kind ErrorKind, desc string) {
	s.mu.Lock()
	entry, ok := s.requests[authReqID]
	if !ok || entry.req.Status != CibaPending {
		s.mu.Unlock()
		return
	}
	req := entry.req
	if req.DeliveryMode == DeliveryPush {
		delete(s.requests, authReqID)
	} else {
		req.Status = CibaDenied
	}
	s.mu.Unlock()

	if req.DeliveryMode == DeliveryPush {
		client := s.clients.Get(req.ClientID)
		if client != nil {
			go s.notifier.PushError(client.BackchannelClientNotificationEndpoint, req.ClientNotificationToken, authReqID, kind, desc)
		}
	}
}

// Redeem exchanges a granted auth_req_id for tokens at the token endpoint.
// Only poll and ping clients redeem; the request is destroyed on delivery.
func (s *CibaService) Redeem(authReqID, clientID string) (TokenResponse, *AuthError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.requests[authReqID]
	if !ok {
		return TokenResponse{}, newAuthError(ErrInvalidGrant, "auth_req_id is not known")
	}
	req := entry.req
	if req.ClientID != clientID {
		return TokenResponse{}, newAuthError(ErrInvalidGrant, "auth_req_id was issued to another client")
	}
	if req.DeliveryMode == DeliveryPush {
		return TokenResponse{}, newAuthError(ErrUnauthorizedClient, "push clients receive tokens at their notification endpoint")
	}
	if time.Now().After(req.ExpirationDate) {
		if req.GrantID != "" {
			s.grants.RemoveGrant(req.GrantID)
		}
		delete(s.requests, authReqID)
		return TokenResponse{}, newAuthError(ErrExpiredToken, "the backchannel authentication request expired")
	}

	switch req.Status {
	case CibaPending:
		return TokenResponse{}, newAuthError(ErrAuthorizationPending, "the end user has not yet been authenticated")
	case CibaDenied:
		delete(s.requests, authReqID)
		return TokenResponse{}, newAuthError(ErrInvalidGrant, "the end user denied the request")
	}

	tokens := entry.tokens
	delete(s.requests, authReqID)
	return tokens, nil
}

// SweepExpired reclaims requests past their expiration date. A request that
// was granted but never redeemed takes its minted grant and tokens with it.
func (s *CibaService) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.requests {
		if entry.req.ExpirationDate.Before(now) {
			if entry.req.GrantID != "" {
				s.grants.RemoveGrant(entry.req.GrantID)
			}
			delete(s.requests, id)
			removed++
		}
	}
	return removed
}

// Name implements SweepTarget.
func (s *CibaService) Name() string { return "ciba_requests" }
