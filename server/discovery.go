package server

import "net/http"

// discoveryDocument is the OpenID Provider metadata this server advertises.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	SessionStatusEndpoint string `json:"session_status_endpoint"`

	BackchannelAuthenticationEndpoint         string   `json:"backchannel_authentication_endpoint,omitempty"`
	BackchannelTokenDeliveryModesSupported    []string `json:"backchannel_token_delivery_modes_supported,omitempty"`
	BackchannelUserCodeParameterSupported     bool     `json:"backchannel_user_code_parameter_supported,omitempty"`
	FrontchannelLogoutSupported               bool     `json:"frontchannel_logout_supported"`
	FrontchannelLogoutSessionSupported        bool     `json:"frontchannel_logout_session_supported"`
	BackchannelLogoutSupported                bool     `json:"backchannel_logout_supported"`
	BackchannelLogoutSessionSupported         bool     `json:"backchannel_logout_session_supported"`
	GrantTypesSupported                       []string `json:"grant_types_supported"`
	IDTokenSigningAlgValuesSupported          []string `json:"id_token_signing_alg_values_supported"`
	SubjectTypesSupported                     []string `json:"subject_types_supported"`
	ScopesSupported                           []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported         []string `json:"token_endpoint_auth_methods_supported"`
	BackchannelAuthRequestSigningAlgSupported []string `json:"backchannel_authentication_request_signing_alg_values_supported,omitempty"`
}

// handleDiscovery serves the provider metadata.
func (a *App) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := a.Config.Issuer()

	doc := discoveryDocument{
		Issuer:                issuer,
		TokenEndpoint:         issuer + "/token",
		JWKSURI:               issuer + "/jwks.json",
		EndSessionEndpoint:    issuer + "/end_session",
		SessionStatusEndpoint: issuer + "/session_status",

		FrontchannelLogoutSupported:        true,
		FrontchannelLogoutSessionSupported: true,
		BackchannelLogoutSupported:         true,
		BackchannelLogoutSessionSupported:  true,

		GrantTypesSupported: []string{
			string(GrantAuthorizationCode),
			string(GrantRefreshToken),
		},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		SubjectTypesSupported:             []string{"public", "pairwise"},
		ScopesSupported:                   []string{"openid", "profile", "email", "offline_access"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
	}

	if a.Config.Ciba.Enabled {
		doc.BackchannelAuthenticationEndpoint = issuer + "/bc-authorize"
		doc.BackchannelTokenDeliveryModesSupported = a.Config.Ciba.DeliveryModes
		doc.BackchannelUserCodeParameterSupported = true
		doc.GrantTypesSupported = append(doc.GrantTypesSupported, string(GrantCiba))
	}

	writeJSON(w, http.StatusOK, doc)
}
