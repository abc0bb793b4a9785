package server

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenResponse matches OAuth token endpoint payloads.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// GrantRegistry owns authorization grants and their token records. It keeps
// a back-reference to the originating session as a lookup key only, so the
// session store and the registry never own each other.
type GrantRegistry struct {
	mu             sync.Mutex
	grants         map[string]*AuthorizationGrant
	byCode         map[string]string
	byAccessToken  map[string]string
	byIDToken      map[string]string
	byRefreshToken map[string]string

	issuer    string
	lifetimes TokensConfig
	jwks      *JWKSManager
	logger    *slog.Logger
}

// NewGrantRegistry constructs the registry.
func NewGrantRegistry(cfg Config, jwks *JWKSManager, logger *slog.Logger) *GrantRegistry {
	return &GrantRegistry{
		grants:         make(map[string]*AuthorizationGrant),
		byCode:         make(map[string]string),
		byAccessToken:  make(map[string]string),
		byIDToken:      make(map[string]string),
		byRefreshToken: make(map[string]string),
		issuer:         cfg.Issuer(),
		lifetimes:      cfg.Tokens,
		jwks:           jwks,
		logger:         logger,
	}
}

// CreateAuthorizationCodeGrant records a new grant holding a single-use
// authorization code. Tokens are minted when the code is redeemed.
func (g *GrantRegistry) CreateAuthorizationCodeGrant(clientID, userID, sessionID, outsideSid string, scopes []string) *AuthorizationGrant {
	now := time.Now()
	grant := &AuthorizationGrant{
		ID:             uuid.NewString(),
		GrantType:      GrantAuthorizationCode,
		ClientID:       clientID,
		UserID:         userID,
		SessionID:      sessionID,
		OutsideSid:     outsideSid,
		Scopes:         append([]string(nil), scopes...),
		Code:           uuid.NewString(),
		CodeExpiresAt:  now.Add(g.lifetimes.CodeTTL),
		CreatedAt:      now,
		ExpirationDate: now.Add(g.lifetimes.RefreshTTL),
	}

	g.mu.Lock()
	g.grants[grant.ID] = grant
	g.byCode[grant.Code] = grant.ID
	g.mu.Unlock()

	return cloneGrant(grant)
}

// RedeemCode exchanges an authorization code for tokens on behalf of the
// authenticated client. The exchange is guarded under the registry lock: a
// code already marked redeemed fails with invalid_grant no matter how many
// callers race on it, and a wrong-client exchange is refused before any
// token is minted so the code stays redeemable by its owner.
func (g *GrantRegistry) RedeemCode(code, clientID string) (*AuthorizationGrant, TokenResponse, *AuthError) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.byCode[code]
	if !ok {
		return nil, TokenResponse{}, newAuthError(ErrInvalidGrant, "authorization code is not known")
	}
	grant := g.grants[id]
	if grant == nil || grant.CodeRedeemed {
		return nil, TokenResponse{}, newAuthError(ErrInvalidGrant, "authorization code was already redeemed")
	}
	if grant.ClientID != clientID {
		return nil, TokenResponse{}, newAuthError(ErrInvalidGrant, "authorization code was issued to another client")
	}
	if time.Now().After(grant.CodeExpiresAt) {
		delete(g.byCode, code)
		delete(g.grants, id)
		return nil, TokenResponse{}, newAuthError(ErrInvalidGrant, "authorization code expired")
	}

	grant.CodeRedeemed = true
	delete(g.byCode, code)

	resp, err := g.mintLocked(grant)
	if err != nil {
		g.logger.Error("token mint", "grant_id", grant.ID, "error", err)
		return nil, TokenResponse{}, newAuthError(ErrInvalidRequest, "failed to mint tokens")
	}
	return cloneGrant(grant), resp, nil
}

// CreateCibaGrant mints tokens immediately for a granted backchannel
// authentication request.
func (g *GrantRegistry) CreateCibaGrant(clientID, userID string, scopes []string) (*AuthorizationGrant, TokenResponse, error) {
	now := time.Now()
	grant := &AuthorizationGrant{
		ID:             uuid.NewString(),
		GrantType:      GrantCiba,
		ClientID:       clientID,
		UserID:         userID,
		Scopes:         append([]string(nil), scopes...),
		CreatedAt:      now,
		ExpirationDate: now.Add(g.lifetimes.RefreshTTL),
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[grant.ID] = grant
	resp, err := g.mintLocked(grant)
	if err != nil {
		delete(g.grants, grant.ID)
		return nil, TokenResponse{}, err
	}
	return cloneGrant(grant), resp, nil
}

// RefreshGrant rotates the refresh token and issues fresh access and id
// tokens on the owning grant.
func (g *GrantRegistry) RefreshGrant(refreshToken, clientID string) (TokenResponse, *AuthError) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.byRefreshToken[refreshToken]
	if !ok {
		return TokenResponse{}, newAuthError(ErrInvalidGrant, "refresh token is not known")
	}
	grant := g.grants[id]
	if grant == nil || grant.ClientID != clientID {
		return TokenResponse{}, newAuthError(ErrInvalidGrant, "refresh token client mismatch")
	}
	if grant.RefreshToken == nil || time.Now().After(grant.RefreshToken.ExpirationDate) {
		return TokenResponse{}, newAuthError(ErrInvalidGrant, "refresh token expired")
	}

	g.unindexTokensLocked(grant)
	resp, err := g.mintLocked(grant)
	if err != nil {
		g.logger.Error("token mint on refresh", "grant_id", grant.ID, "error", err)
		return TokenResponse{}, newAuthError(ErrInvalidRequest, "failed to mint tokens")
	}
	return resp, nil
}

// FindGrantByIDToken returns the grant owning the id token, or nil when no
// live token matches. Expired tokens are never returned.
func (g *GrantRegistry) FindGrantByIDToken(idToken string) *AuthorizationGrant {
	return g.findByIndex(g.byIDToken, idToken, func(gr *AuthorizationGrant) *Token { return gr.IDToken })
}

// FindGrantByAccessToken returns the grant owning the access token, or nil.
func (g *GrantRegistry) FindGrantByAccessToken(accessToken string) *AuthorizationGrant {
	return g.findByIndex(g.byAccessToken, accessToken, func(gr *AuthorizationGrant) *Token { return gr.AccessToken })
}

func (g *GrantRegistry) findByIndex(index map[string]string, code string, pick func(*AuthorizationGrant) *Token) *AuthorizationGrant {
	if code == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := index[code]
	if !ok {
		return nil
	}
	grant := g.grants[id]
	if grant == nil {
		return nil
	}
	tok := pick(grant)
	if tok == nil || time.Now().After(tok.ExpirationDate) {
		return nil
	}
	return cloneGrant(grant)
}

// RemoveGrant deletes one grant and its token indexes. Returns false when
// the grant is already gone.
func (g *GrantRegistry) RemoveGrant(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	grant, ok := g.grants[id]
	if !ok {
		return false
	}
	g.unindexTokensLocked(grant)
	delete(g.byCode, grant.Code)
	delete(g.grants, id)
	return true
}

// RemoveAllTokensBySession cascades deletion of every grant referencing the
// session. Safe to call when no grants exist.
func (g *GrantRegistry) RemoveAllTokensBySession(sessionID string) int {
	if sessionID == "" {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, grant := range g.grants {
		if grant.SessionID != sessionID {
			continue
		}
		g.unindexTokensLocked(grant)
		delete(g.byCode, grant.Code)
		delete(g.grants, id)
		removed++
	}
	return removed
}

// SweepExpired reclaims grants whose expiration passed, including grants
// holding only a stale unredeemed code.
func (g *GrantRegistry) SweepExpired(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, grant := range g.grants {
		expired := grant.ExpirationDate.Before(now) ||
			(!grant.CodeRedeemed && grant.Code != "" && grant.CodeExpiresAt.Before(now))
		if !expired {
			continue
		}
		g.unindexTokensLocked(grant)
		delete(g.byCode, grant.Code)
		delete(g.grants, id)
		removed++
	}
	return removed
}

// Name implements SweepTarget.
func (g *GrantRegistry) Name() string { return "grants" }

// mintLocked issues access, refresh, and id tokens on the grant. Caller
// holds the registry lock.
func (g *GrantRegistry) mintLocked(grant *AuthorizationGrant) (TokenResponse, error) {
	now := time.Now()

	accessClaims := jwt.MapClaims{
		"iss":       g.issuer,
		"sub":       grant.UserID,
		"aud":       grant.ClientID,
		"client_id": grant.ClientID,
		"scope":     strings.Join(grant.Scopes, " "),
		"iat":       now.Unix(),
		"exp":       now.Add(g.lifetimes.AccessTTL).Unix(),
		"jti":       uuid.NewString(),
	}
	accessToken, err := g.jwks.SignClaims(accessClaims)
	if err != nil {
		return TokenResponse{}, err
	}

	idClaims := jwt.MapClaims{
		"iss": g.issuer,
		"sub": grant.UserID,
		"aud": grant.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(g.lifetimes.IDTTL).Unix(),
		"jti": uuid.NewString(),
	}
	if grant.OutsideSid != "" {
		idClaims["sid"] = grant.OutsideSid
	}
	idToken, err := g.jwks.SignClaims(idClaims)
	if err != nil {
		return TokenResponse{}, err
	}

	refreshToken := uuid.NewString()

	grant.AccessToken = &Token{Code: accessToken, Type: TokenAccess, IssuedAt: now, ExpirationDate: now.Add(g.lifetimes.AccessTTL), Deletable: true}
	grant.IDToken = &Token{Code: idToken, Type: TokenID, IssuedAt: now, ExpirationDate: now.Add(g.lifetimes.IDTTL), Deletable: true}
	grant.RefreshToken = &Token{Code: refreshToken, Type: TokenRefresh, IssuedAt: now, ExpirationDate: now.Add(g.lifetimes.RefreshTTL), Deletable: true}
	grant.ExpirationDate = grant.RefreshToken.ExpirationDate

	g.byAccessToken[accessToken] = grant.ID
	g.byIDToken[idToken] = grant.ID
	g.byRefreshToken[refreshToken] = grant.ID

	return TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(g.lifetimes.AccessTTL.Seconds()),
		RefreshToken: refreshToken,
		IDToken:      idToken,
		Scope:        strings.Join(grant.Scopes, " "),
	}, nil
}

func (g *GrantRegistry) unindexTokensLocked(grant *AuthorizationGrant) {
	if grant.AccessToken != nil {
		delete(g.byAccessToken, grant.AccessToken.Code)
	}
	if grant.IDToken != nil {
		delete(g.byIDToken, grant.IDToken.Code)
	}
	if grant.RefreshToken != nil {
		delete(g.byRefreshToken, grant.RefreshToken.Code)
	}
}

func cloneGrant(grant *AuthorizationGrant) *AuthorizationGrant {
	out := *grant
	out.Scopes = append([]string(nil), grant.Scopes...)
	if grant.AccessToken != nil {
		tok := *grant.AccessToken
		out.AccessToken = &tok
	}
	if grant.RefreshToken != nil {
		tok := *grant.RefreshToken
		out.RefreshToken = &tok
	}
	if grant.IDToken != nil {
		tok := *grant.IDToken
		out.IDToken = &tok
	}
	return &out
}
