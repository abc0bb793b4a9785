package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClientRegistry(t *testing.T) *ClientRegistry {
	t.Helper()
	registry, err := NewClientRegistry(testConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}
	return registry
}

func TestValidateCibaRegistrationNoCibaFields(t *testing.T) {
	registry := newTestClientRegistry(t)
	if err := registry.ValidateCibaRegistration(&Client{ClientID: "plain"}); err != nil {
		t.Fatalf("a client without CIBA fields must pass: %v", err)
	}
}

func TestValidateCibaRegistrationModes(t *testing.T) {
	registry := newTestClientRegistry(t)

	err := registry.ValidateCibaRegistration(&Client{
		ClientID:                     "bad-mode",
		BackchannelTokenDeliveryMode: DeliveryMode("email"),
	})
	if err == nil {
		t.Fatalf("an unadvertised delivery mode must fail registration")
	}

	err = registry.ValidateCibaRegistration(&Client{
		ClientID:                     "ping-no-endpoint",
		BackchannelTokenDeliveryMode: DeliveryPing,
		GrantTypes:                   []string{string(GrantCiba)},
	})
	if err == nil {
		t.Fatalf("ping without a notification endpoint must fail")
	}

	err = registry.ValidateCibaRegistration(&Client{
		ClientID:                     "poll-no-grant",
		BackchannelTokenDeliveryMode: DeliveryPoll,
	})
	if err == nil {
		t.Fatalf("poll without the CIBA grant type must fail")
	}

	err = registry.ValidateCibaRegistration(&Client{
		ClientID:                     "poll-pairwise-no-keys",
		BackchannelTokenDeliveryMode: DeliveryPoll,
		GrantTypes:                   []string{string(GrantCiba)},
		SubjectType:                  "pairwise",
	})
	if err == nil {
		t.Fatalf("pairwise poll without jwks must fail")
	}

	err = registry.ValidateCibaRegistration(&Client{
		ClientID:                     "poll-ok",
		BackchannelTokenDeliveryMode: DeliveryPoll,
		GrantTypes:                   []string{string(GrantCiba)},
	})
	if err != nil {
		t.Fatalf("valid poll registration must pass: %v", err)
	}
}

func TestValidateCibaRegistrationDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Ciba.Enabled = false
	registry, err := NewClientRegistry(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewClientRegistry: %v", err)
	}

	err = registry.ValidateCibaRegistration(&Client{
		ClientID:                     "poll",
		BackchannelTokenDeliveryMode: DeliveryPoll,
		GrantTypes:                   []string{string(GrantCiba)},
	})
	if err == nil {
		t.Fatalf("poll registration must fail when the CIBA grant is disabled")
	}
}

func TestValidateCibaRegistrationSectorDocument(t *testing.T) {
	const jwksURI = "https://rp.example/jwks"

	sector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]string{jwksURI})
	}))
	defer sector.Close()

	registry := newTestClientRegistry(t)

	client := &Client{
		ClientID:                     "sector-ok",
		BackchannelTokenDeliveryMode: DeliveryPoll,
		GrantTypes:                   []string{string(GrantCiba)},
		JWKSURI:                      jwksURI,
		SectorIdentifierURI:          sector.URL,
	}
	if err := registry.ValidateCibaRegistration(client); err != nil {
		t.Fatalf("listed endpoint must pass: %v", err)
	}

	client.JWKSURI = "https://rp.example/other"
	if err := registry.ValidateCibaRegistration(client); err == nil {
		t.Fatalf("an endpoint missing from the sector document must fail")
	}
}

func TestValidateCibaRegistrationSectorFetchFailure(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	registry := newTestClientRegistry(t)
	err := registry.ValidateCibaRegistration(&Client{
		ClientID:                     "sector-broken",
		BackchannelTokenDeliveryMode: DeliveryPoll,
		GrantTypes:                   []string{string(GrantCiba)},
		JWKSURI:                      "https://rp.example/jwks",
		SectorIdentifierURI:          broken.URL,
	})
	if err == nil {
		t.Fatalf("a failing sector document fetch must invalidate registration")
	}
}

func TestClientSweepRequiresDeletable(t *testing.T) {
	registry := newTestClientRegistry(t)
	past := time.Now().Add(-time.Hour)

	registry.Add(&Client{ClientID: "pinned", ExpirationDate: past, Deletable: false})
	registry.Add(&Client{ClientID: "stale", ExpirationDate: past, Deletable: true})
	registry.Add(&Client{ClientID: "fresh", Deletable: true})

	removed := registry.SweepExpired(time.Now())
	if removed != 1 {
		t.Fatalf("expected 1 swept client, got %d", removed)
	}
	if registry.Get("pinned") == nil {
		t.Fatalf("non-deletable clients must never be swept")
	}
	if registry.Get("stale") != nil {
		t.Fatalf("deletable expired client must be swept")
	}
	if registry.Get("fresh") == nil {
		t.Fatalf("client with zero expiration must be kept")
	}
}

func TestValidatePostLogoutRedirectURI(t *testing.T) {
	clients := []*Client{
		{ClientID: "a", PostLogoutRedirectURIs: []string{"https://a.example/done"}},
		{ClientID: "b", PostLogoutRedirectURIs: []string{"https://b.example/done"}},
	}
	if got := ValidatePostLogoutRedirectURI(clients, "https://b.example/done"); got == "" {
		t.Fatalf("registered uri must validate")
	}
	if got := ValidatePostLogoutRedirectURI(clients, "https://evil.example/"); got != "" {
		t.Fatalf("unregistered uri must not validate")
	}
}

func TestMatchesURLPatterns(t *testing.T) {
	patterns := []string{"https://trusted.example/*", "https://exact.example/done"}

	cases := []struct {
		uri  string
		want bool
	}{
		{"https://trusted.example/anything", true},
		{"https://exact.example/done", true},
		{"https://exact.example/other", false},
		{"https://evil.example/", false},
	}
	for _, tc := range cases {
		if got := MatchesURLPatterns(patterns, tc.uri); got != tc.want {
			t.Fatalf("MatchesURLPatterns(%q) = %v, want %v", tc.uri, got, tc.want)
		}
	}
}
