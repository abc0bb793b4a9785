package server

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestGrants(t *testing.T) *GrantRegistry {
	t.Helper()
	return NewGrantRegistry(testConfig(), testJWKS(t), testLogger())
}

func TestRedeemCodeSingleUse(t *testing.T) {
	grants := newTestGrants(t)
	grant := grants.CreateAuthorizationCodeGrant("c1", "u1", "s1", "sid1", []string{"openid"})

	redeemed, tokens, authErr := grants.RedeemCode(grant.Code, "c1")
	if authErr != nil {
		t.Fatalf("first redemption failed: %v", authErr)
	}
	if redeemed.ClientID != "c1" {
		t.Fatalf("expected client c1, got %s", redeemed.ClientID)
	}
	if tokens.AccessToken == "" || tokens.IDToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("redemption must mint all three tokens: %+v", tokens)
	}
	if tokens.TokenType != "Bearer" {
		t.Fatalf("expected Bearer, got %s", tokens.TokenType)
	}

	_, _, authErr = grants.RedeemCode(grant.Code, "c1")
	if authErr == nil || authErr.Kind != ErrInvalidGrant {
		t.Fatalf("replay must fail with invalid_grant, got %v", authErr)
	}
}

func TestRedeemCodeWrongClient(t *testing.T) {
	grants := newTestGrants(t)
	grant := grants.CreateAuthorizationCodeGrant("c1", "u1", "s1", "sid1", []string{"openid"})

	_, _, authErr := grants.RedeemCode(grant.Code, "c2")
	if authErr == nil || authErr.Kind != ErrInvalidGrant {
		t.Fatalf("wrong-client redemption must fail with invalid_grant, got %v", authErr)
	}

	// The refusal must happen before minting: no token of any kind may be
	// left behind in the registry.
	grants.mu.Lock()
	indexed := len(grants.byAccessToken) + len(grants.byIDToken) + len(grants.byRefreshToken)
	redeemed := grants.grants[grant.ID].CodeRedeemed
	grants.mu.Unlock()
	if indexed != 0 {
		t.Fatalf("refused exchange left %d live tokens indexed", indexed)
	}
	if redeemed {
		t.Fatalf("refused exchange must not burn the code")
	}

	// The owning client can still redeem.
	if _, _, authErr := grants.RedeemCode(grant.Code, "c1"); authErr != nil {
		t.Fatalf("owner redemption after a refused exchange failed: %v", authErr)
	}
}

func TestRedeemCodeConcurrent(t *testing.T) {
	grants := newTestGrants(t)
	grant := grants.CreateAuthorizationCodeGrant("c1", "u1", "s1", "sid1", []string{"openid"})

	const racers = 16
	var successes atomic.Int32
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			if _, _, authErr := grants.RedeemCode(grant.Code, "c1"); authErr == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Fatalf("exactly one concurrent redemption must succeed, got %d", got)
	}
}

func TestRedeemCodeUnknown(t *testing.T) {
	grants := newTestGrants(t)
	if _, _, authErr := grants.RedeemCode("nope", "c1"); authErr == nil || authErr.Kind != ErrInvalidGrant {
		t.Fatalf("unknown code must fail with invalid_grant, got %v", authErr)
	}
}

func TestFindGrantByTokens(t *testing.T) {
	grants := newTestGrants(t)
	grant := grants.CreateAuthorizationCodeGrant("c1", "u1", "s1", "sid1", []string{"openid"})
	_, tokens, authErr := grants.RedeemCode(grant.Code, "c1")
	if authErr != nil {
		t.Fatalf("redeem: %v", authErr)
	}

	if got := grants.FindGrantByIDToken(tokens.IDToken); got == nil || got.ID != grant.ID {
		t.Fatalf("id token lookup failed")
	}
	if got := grants.FindGrantByAccessToken(tokens.AccessToken); got == nil || got.ID != grant.ID {
		t.Fatalf("access token lookup failed")
	}
	if grants.FindGrantByIDToken("bogus") != nil {
		t.Fatalf("bogus id token must not resolve")
	}
	if grants.FindGrantByIDToken("") != nil {
		t.Fatalf("empty id token must not resolve")
	}
}

func TestRemoveAllTokensBySession(t *testing.T) {
	grants := newTestGrants(t)
	g1 := grants.CreateAuthorizationCodeGrant("c1", "u1", "s1", "sid1", []string{"openid"})
	g2 := grants.CreateAuthorizationCodeGrant("c2", "u1", "s1", "sid1", []string{"openid"})
	grants.CreateAuthorizationCodeGrant("c1", "u2", "s2", "sid2", []string{"openid"})

	_, tokens, authErr := grants.RedeemCode(g1.Code, "c1")
	if authErr != nil {
		t.Fatalf("redeem: %v", authErr)
	}

	if removed := grants.RemoveAllTokensBySession("s1"); removed != 2 {
		t.Fatalf("expected 2 removed grants, got %d", removed)
	}
	if grants.FindGrantByIDToken(tokens.IDToken) != nil {
		t.Fatalf("tokens of a removed session must not resolve")
	}
	if _, _, authErr := grants.RedeemCode(g2.Code, "c2"); authErr == nil {
		t.Fatalf("codes of a removed session must not redeem")
	}

	// Cascade on a session with no grants is a no-op, not an error.
	if removed := grants.RemoveAllTokensBySession("s1"); removed != 0 {
		t.Fatalf("expected no-op, got %d", removed)
	}
	if removed := grants.RemoveAllTokensBySession(""); removed != 0 {
		t.Fatalf("empty session id must be a no-op, got %d", removed)
	}
}

func TestRefreshGrantRotation(t *testing.T) {
	grants := newTestGrants(t)
	grant := grants.CreateAuthorizationCodeGrant("c1", "u1", "s1", "sid1", []string{"openid"})
	_, tokens, authErr := grants.RedeemCode(grant.Code, "c1")
	if authErr != nil {
		t.Fatalf("redeem: %v", authErr)
	}

	refreshed, authErr := grants.RefreshGrant(tokens.RefreshToken, "c1")
	if authErr != nil {
		t.Fatalf("refresh: %v", authErr)
	}
	if refreshed.RefreshToken == tokens.RefreshToken {
		t.Fatalf("refresh token must rotate")
	}
	if _, authErr := grants.RefreshGrant(tokens.RefreshToken, "c1"); authErr == nil {
		t.Fatalf("rotated-out refresh token must not redeem again")
	}
	if _, authErr := grants.RefreshGrant(refreshed.RefreshToken, "other"); authErr == nil {
		t.Fatalf("refresh with the wrong client must fail")
	}
}

func TestGrantSweepStaleCode(t *testing.T) {
	cfg := testConfig()
	cfg.Tokens.CodeTTL = time.Millisecond
	grants := NewGrantRegistry(cfg, testJWKS(t), testLogger())

	stale := grants.CreateAuthorizationCodeGrant("c1", "u1", "s1", "sid1", []string{"openid"})

	removed := grants.SweepExpired(time.Now().Add(time.Second))
	if removed != 1 {
		t.Fatalf("expected the stale-code grant to be swept, got %d", removed)
	}
	if _, _, authErr := grants.RedeemCode(stale.Code, "c1"); authErr == nil {
		t.Fatalf("swept code must not redeem")
	}
}
