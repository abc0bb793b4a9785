package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// CibaNotifier delivers ping and push callbacks to client notification
// endpoints. Delivery is best-effort: failures and non-2xx responses are
// logged, never retried.
type CibaNotifier struct {
	client *http.Client
	logger *slog.Logger
}

// NewCibaNotifier constructs the notifier.
func NewCibaNotifier(timeout time.Duration, logger *slog.Logger) *CibaNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CibaNotifier{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Ping notifies a ping-mode client that tokens are ready at the token
// endpoint. Only the auth_req_id is carried, never tokens. The notification
// token travels both as the bearer credential and in the payload.
func (n *CibaNotifier) Ping(endpoint, notificationToken, authReqID string) {
	n.post(endpoint, notificationToken, map[string]any{
		"auth_req_id":               authReqID,
		"client_notification_token": notificationToken,
	})
}

// PushTokens delivers the full token response to a push-mode client.
func (n *CibaNotifier) PushTokens(endpoint, notificationToken, authReqID string, tokens TokenResponse) {
	n.post(endpoint, notificationToken, map[string]any{
		"auth_req_id":               authReqID,
		"client_notification_token": notificationToken,
		"access_token":              tokens.AccessToken,
		"token_type":                tokens.TokenType,
		"refresh_token":             tokens.RefreshToken,
		"expires_in":                tokens.ExpiresIn,
		"id_token":                  tokens.IDToken,
	})
}

// PushError delivers an error payload to a push-mode client when the end
// user denies or the request otherwise fails after acceptance.
func (n *CibaNotifier) PushError(endpoint, notificationToken, authReqID string, kind ErrorKind, desc string) {
	n.post(endpoint, notificationToken, map[string]any{
		"auth_req_id":               authReqID,
		"client_notification_token": notificationToken,
		"error":                     string(kind),
		"error_description":         desc,
	})
}

func (n *CibaNotifier) post(endpoint, notificationToken string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("ciba notification marshal", "endpoint", endpoint, "error", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("ciba notification request", "endpoint", endpoint, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+notificationToken)

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Error("ciba notification call failed", "endpoint", endpoint, "error", err)
		return
	}
	resp.Body.Close()
	n.logger.Info("ciba notification call", "endpoint", endpoint, "status", resp.StatusCode)
}
