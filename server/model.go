package server

import "time"

// SessionState tracks where a session sits in its authentication lifecycle.
type SessionState string

const (
	SessionUnauthenticated SessionState = "unauthenticated"
	SessionAuthenticated   SessionState = "authenticated"
)

// Session is the server-side record correlating a user agent with an end
// user. The store owns it exclusively; everything else references it by id.
type Session struct {
	ID                 string
	OutsideSid         string // value surfaced to relying parties as the sid claim
	State              SessionState
	UserID             string
	AuthenticationTime time.Time
	LastUsedAt         time.Time
	Attributes         map[string]string
	PermissionGranted  map[string]bool // client id -> consent granted
	ExpirationDate     time.Time       // zero value means keep-alive, never swept
}

// TokenType distinguishes the token records hanging off a grant.
type TokenType string

const (
	TokenAccess  TokenType = "access_token"
	TokenRefresh TokenType = "refresh_token"
	TokenID      TokenType = "id_token"
)

// Token is one issued token record. Code is the opaque or JWT string the
// caller presents back.
type Token struct {
	Code           string
	Type           TokenType
	IssuedAt       time.Time
	ExpirationDate time.Time
	Deletable      bool
}

// GrantType enumerates the grant flows the registry issues for.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantCiba              GrantType = "urn:openid:params:grant-type:ciba"
)

// AuthorizationGrant records an authorization decision and the tokens issued
// under it. SessionID is a lookup key back to the originating session, never
// an ownership edge.
type AuthorizationGrant struct {
	ID             string
	GrantType      GrantType
	ClientID       string
	UserID         string
	SessionID      string
	OutsideSid     string // session sid cached for id-token claims
	Scopes         []string
	Code           string // authorization code, single use
	CodeRedeemed   bool
	CodeExpiresAt  time.Time
	AccessToken    *Token
	RefreshToken   *Token
	IDToken        *Token
	CreatedAt      time.Time
	ExpirationDate time.Time
}

// DeliveryMode is the CIBA backchannel token delivery mode.
type DeliveryMode string

const (
	DeliveryPoll DeliveryMode = "poll"
	DeliveryPing DeliveryMode = "ping"
	DeliveryPush DeliveryMode = "push"
)

// Client records relying-party metadata, including everything the logout
// orchestrator and the CIBA controller need.
type Client struct {
	ClientID     string
	ClientSecret string
	RedirectURIs []string
	Scopes       []string
	GrantTypes   []string

	PostLogoutRedirectURIs            []string
	FrontChannelLogoutURI             string
	FrontChannelLogoutSessionRequired bool
	BackchannelLogoutURIs             []string
	BackchannelLogoutSessionRequired  bool

	BackchannelTokenDeliveryMode          DeliveryMode
	BackchannelClientNotificationEndpoint string
	BackchannelUserCodeParameter          bool
	UserCode                              string // pre-registered code, compared when user-code is enabled

	SubjectType         string // "public" or "pairwise"
	JWKS                string
	JWKSURI             string
	SectorIdentifierURI string

	Deletable      bool
	ExpirationDate time.Time
}

// HasGrantType reports whether the client registered the given grant type.
func (c *Client) HasGrantType(gt GrantType) bool {
	for _, g := range c.GrantTypes {
		if g == string(gt) {
			return true
		}
	}
	return false
}

// CibaRequestStatus is the lifecycle state of a backchannel auth request.
type CibaRequestStatus string

const (
	CibaPending CibaRequestStatus = "pending"
	CibaGranted CibaRequestStatus = "granted"
	CibaDenied  CibaRequestStatus = "denied"
)

// CibaRequest is an outstanding client-initiated backchannel authentication
// request. Destroyed on token delivery or expiry.
type CibaRequest struct {
	AuthReqID               string
	ClientID                string
	UserID                  string
	Scope                   string
	ClientNotificationToken string
	BindingMessage          string
	DeliveryMode            DeliveryMode
	Status                  CibaRequestStatus
	GrantID                 string // set once granted; its tokens are revoked if the request expires unredeemed
	CreatedAt               time.Time
	ExpirationDate          time.Time
}
