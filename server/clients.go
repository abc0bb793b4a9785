package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// ClientRegistry holds registered relying parties.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client

	serverModes []DeliveryMode // server-advertised CIBA delivery modes
	cibaEnabled bool
	sectorHTTP  *http.Client
	logger      *slog.Logger
}

// NewClientRegistry builds the registry from configuration.
func NewClientRegistry(cfg Config, logger *slog.Logger) (*ClientRegistry, error) {
	modes := make([]DeliveryMode, 0, len(cfg.Ciba.DeliveryModes))
	for _, m := range cfg.Ciba.DeliveryModes {
		modes = append(modes, DeliveryMode(m))
	}

	r := &ClientRegistry{
		clients:     make(map[string]*Client, len(cfg.Clients)),
		serverModes: modes,
		cibaEnabled: cfg.Ciba.Enabled,
		sectorHTTP:  &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
	}

	for _, cc := range cfg.Clients {
		client := clientFromConfig(cc)
		if err := r.ValidateCibaRegistration(client); err != nil {
			return nil, fmt.Errorf("client %s: %w", client.ClientID, err)
		}
		r.clients[client.ClientID] = client
	}
	return r, nil
}

func clientFromConfig(cc ClientConfig) *Client {
	return &Client{
		ClientID:     cc.ClientID,
		ClientSecret: cc.ClientSecret,
		RedirectURIs: cc.RedirectURIs,
		Scopes:       cc.Scopes,
		GrantTypes:   cc.GrantTypes,

		PostLogoutRedirectURIs:            cc.PostLogoutRedirectURIs,
		FrontChannelLogoutURI:             cc.FrontChannelLogoutURI,
		FrontChannelLogoutSessionRequired: cc.FrontChannelLogoutSessionRequired,
		BackchannelLogoutURIs:             cc.BackchannelLogoutURIs,
		BackchannelLogoutSessionRequired:  cc.BackchannelLogoutSessionRequired,

		BackchannelTokenDeliveryMode:          DeliveryMode(cc.BackchannelTokenDeliveryMode),
		BackchannelClientNotificationEndpoint: cc.BackchannelClientNotificationEndpoint,
		BackchannelUserCodeParameter:          cc.BackchannelUserCodeParameter,
		UserCode:                              cc.UserCode,

		SubjectType:         cc.SubjectType,
		JWKS:                cc.JWKS,
		JWKSURI:             cc.JWKSURI,
		SectorIdentifierURI: cc.SectorIdentifierURI,

		Deletable: cc.Deletable,
	}
}

// Add registers a client at runtime.
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ClientID] = client
}

// Get retrieves a client definition, or nil when unknown.
func (r *ClientRegistry) Get(id string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[id]
	if !ok {
		return nil
	}
	cp := *client
	return &cp
}

// GetAll resolves a set of client ids, skipping unknown ones.
func (r *ClientRegistry) GetAll(ids []string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(ids))
	for _, id := range ids {
		if client, ok := r.clients[id]; ok {
			cp := *client
			out = append(out, &cp)
		}
	}
	return out
}

// Authenticate validates client credentials.
func (r *ClientRegistry) Authenticate(id, secret string) (*Client, *AuthError) {
	client := r.Get(id)
	if client == nil {
		return nil, newAuthError(ErrInvalidClient, "unknown client").withStatus(http.StatusUnauthorized)
	}
	if client.ClientSecret != "" && secret != client.ClientSecret {
		return nil, newAuthError(ErrInvalidClient, "client authentication failed").withStatus(http.StatusUnauthorized)
	}
	return client, nil
}

// SweepExpired removes clients whose expiration passed. A client that is
// not marked deletable is never swept, no matter how stale.
func (r *ClientRegistry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, client := range r.clients {
		if client.ExpirationDate.IsZero() || !client.ExpirationDate.Before(now) {
			continue
		}
		if !client.Deletable {
			continue
		}
		delete(r.clients, id)
		removed++
	}
	return removed
}

// Name implements SweepTarget.
func (r *ClientRegistry) Name() string { return "clients" }

// ValidateCibaRegistration is the registration-time gate for CIBA metadata.
// When none of the CIBA fields are set the client is not requesting CIBA
// and passes untouched.
func (r *ClientRegistry) ValidateCibaRegistration(client *Client) error {
	mode := client.BackchannelTokenDeliveryMode
	if mode == "" && client.BackchannelClientNotificationEndpoint == "" {
		return nil
	}

	if !slices.Contains(r.serverModes, mode) {
		return fmt.Errorf("backchannel delivery mode %q is not supported by this server", mode)
	}

	if mode == DeliveryPing || mode == DeliveryPush {
		if strings.TrimSpace(client.BackchannelClientNotificationEndpoint) == "" {
			return errors.New("ping and push delivery modes require a client notification endpoint")
		}
	}

	if mode == DeliveryPing || mode == DeliveryPoll {
		if !r.cibaEnabled {
			return errors.New("the CIBA grant type is not enabled on this server")
		}
		if !client.HasGrantType(GrantCiba) {
			return errors.New("ping and poll delivery modes require the CIBA grant type to be registered")
		}
		if client.SubjectType == "pairwise" && client.JWKS == "" && client.JWKSURI == "" {
			return errors.New("pairwise subject type with ping or poll requires jwks or jwks_uri")
		}
	}

	if client.SectorIdentifierURI != "" {
		endpoint := client.JWKSURI
		if mode == DeliveryPush {
			endpoint = client.BackchannelClientNotificationEndpoint
		}
		if err := r.verifySectorDocument(client.SectorIdentifierURI, endpoint); err != nil {
			return fmt.Errorf("sector_identifier_uri validation failed: %w", err)
		}
	}

	return nil
}

// verifySectorDocument fetches the sector identifier document once, with no
// retry, and checks the endpoint is listed. Any failure invalidates
// registration.
func (r *ClientRegistry) verifySectorDocument(sectorURI, endpoint string) error {
	resp, err := r.sectorHTTP.Get(sectorURI)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, sectorURI)
	}

	var uris []string
	if err := json.NewDecoder(resp.Body).Decode(&uris); err != nil {
		return fmt.Errorf("parse sector document: %w", err)
	}
	if !slices.Contains(uris, endpoint) {
		return fmt.Errorf("endpoint %s is not listed in the sector identifier document", endpoint)
	}
	return nil
}

// ValidatePostLogoutRedirectURI checks the URI is registered on any of the
// given clients. Returns the URI when valid, empty string otherwise.
func ValidatePostLogoutRedirectURI(clients []*Client, uri string) string {
	for _, client := range clients {
		if slices.Contains(client.PostLogoutRedirectURIs, uri) {
			return uri
		}
	}
	return ""
}

// MatchesURLPatterns reports whether the URI matches any pattern in the
// allow list. A pattern may carry '*' wildcards.
func MatchesURLPatterns(patterns []string, uri string) bool {
	for _, p := range patterns {
		if matchURLPattern(p, uri) {
			return true
		}
	}
	return false
}

func matchURLPattern(pattern, uri string) bool {
	if pattern == uri {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return false
	}
	if !strings.HasPrefix(uri, parts[0]) {
		return false
	}
	rest := uri[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return strings.HasSuffix(rest, parts[len(parts)-1])
}
