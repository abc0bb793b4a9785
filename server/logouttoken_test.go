package server

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func parseLogoutToken(t *testing.T, jwks *JWKSManager, token string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, jwks.Keyfunc)
	if err != nil {
		t.Fatalf("parse logout token: %v", err)
	}
	if !parsed.Valid {
		t.Fatalf("logout token is not valid")
	}
	return claims
}

func TestLogoutTokenClaims(t *testing.T) {
	jwks := testJWKS(t)
	factory := NewLogoutTokenFactory(testConfig(), jwks)

	client := &Client{ClientID: "rp1", BackchannelLogoutSessionRequired: true}
	token, err := factory.CreateLogoutToken(client, "sid-123", "user-1")
	if err != nil {
		t.Fatalf("CreateLogoutToken: %v", err)
	}

	claims := parseLogoutToken(t, jwks, token)
	if claims["aud"] != "rp1" {
		t.Fatalf("aud must be the client id, got %v", claims["aud"])
	}
	if claims["sub"] != "user-1" {
		t.Fatalf("sub must be the user id, got %v", claims["sub"])
	}
	if claims["sid"] != "sid-123" {
		t.Fatalf("sid must be present for session-required clients, got %v", claims["sid"])
	}
	if claims["jti"] == "" || claims["jti"] == nil {
		t.Fatalf("jti must be set")
	}
	if claims["iat"] == nil || claims["exp"] == nil {
		t.Fatalf("iat and exp must be set")
	}

	events, ok := claims["events"].(map[string]any)
	if !ok {
		t.Fatalf("events claim missing or malformed: %v", claims["events"])
	}
	if _, ok := events[backchannelLogoutEvent]; !ok {
		t.Fatalf("events must carry the backchannel-logout member: %v", events)
	}
}

func TestLogoutTokenSidOmitted(t *testing.T) {
	jwks := testJWKS(t)
	factory := NewLogoutTokenFactory(testConfig(), jwks)

	client := &Client{ClientID: "rp2"} // session not required
	token, err := factory.CreateLogoutToken(client, "sid-123", "user-1")
	if err != nil {
		t.Fatalf("CreateLogoutToken: %v", err)
	}

	claims := parseLogoutToken(t, jwks, token)
	if _, ok := claims["sid"]; ok {
		t.Fatalf("sid must be omitted when the client did not ask for it")
	}
}

func TestLogoutTokenSubOmittedWithoutUser(t *testing.T) {
	jwks := testJWKS(t)
	factory := NewLogoutTokenFactory(testConfig(), jwks)

	client := &Client{ClientID: "rp3", BackchannelLogoutSessionRequired: true}
	token, err := factory.CreateLogoutToken(client, "sid-123", "")
	if err != nil {
		t.Fatalf("CreateLogoutToken: %v", err)
	}

	claims := parseLogoutToken(t, jwks, token)
	if _, ok := claims["sub"]; ok {
		t.Fatalf("sub must be omitted when no user is known")
	}
	if claims["sid"] != "sid-123" {
		t.Fatalf("sid identifies the session when sub is absent")
	}
}
