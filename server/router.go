package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))

	r.Get("/.well-known/openid-configuration", a.handleDiscovery)
	r.Get("/.well-known/jwks.json", a.handleJWKS)
	r.Get("/jwks.json", a.handleJWKS)

	r.Get("/session_status", a.handleSessionStatus)
	r.Get("/end_session", a.handleEndSession)

	r.Post("/token", a.handleToken)
	r.Post("/bc-authorize", a.handleBcAuthorize)

	if a.Config.Server.DevMode {
		r.Post("/dev/ciba/complete", a.handleDevCibaComplete)
	}

	return r
}
