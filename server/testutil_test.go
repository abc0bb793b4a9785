package server

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.SecretsPath = ""
	cfg.Tokens.CodeTTL = time.Minute
	return cfg
}

func testJWKS(t *testing.T) *JWKSManager {
	t.Helper()
	jwks, err := NewJWKSManager("", testLogger())
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}
	return jwks
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	app, err := NewApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}
