package server

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// backchannelLogoutEvent is the events claim member marking a logout token,
// per OpenID Connect Back-Channel Logout 1.0.
const backchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// LogoutTokenFactory builds signed logout tokens for back-channel dispatch.
type LogoutTokenFactory struct {
	issuer string
	ttl    time.Duration
	jwks   *JWKSManager
}

// NewLogoutTokenFactory constructs the factory.
func NewLogoutTokenFactory(cfg Config, jwks *JWKSManager) *LogoutTokenFactory {
	ttl := cfg.EndSession.LogoutTokenTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &LogoutTokenFactory{issuer: cfg.Issuer(), ttl: ttl, jwks: jwks}
}

// CreateLogoutToken signs a logout token for one target client. The sid
// claim is included only when the client registered
// backchannel_logout_session_required.
func (f *LogoutTokenFactory) CreateLogoutToken(client *Client, outsideSid, userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": f.issuer,
		"aud": client.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(f.ttl).Unix(),
		"jti": uuid.NewString(),
		"events": map[string]any{
			backchannelLogoutEvent: map[string]any{},
		},
	}
	if userID != "" {
		claims["sub"] = userID
	}
	if client.BackchannelLogoutSessionRequired && outsideSid != "" {
		claims["sid"] = outsideSid
	}
	return f.jwks.SignClaims(claims)
}
