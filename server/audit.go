package server

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"
)

// Auditor emits audit records as structured log events with hashed user
// identifiers.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates the auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// LogEndSession records one end-session attempt, regardless of which branch
// completed.
func (a *Auditor) LogEndSession(clientIDs []string, scope, userID string, success bool) {
	if !a.enabled {
		return
	}
	a.logger.Info("security_audit",
		"event_type", "session_destroyed",
		"client_ids", strings.Join(clientIDs, " "),
		"scope", scope,
		"user_id_hash", hashForLogging(userID),
		"success", success,
		"timestamp", time.Now(),
	)
}

// LogCibaRequest records a backchannel authentication request decision.
func (a *Auditor) LogCibaRequest(clientID, authReqID string, accepted bool, reason string) {
	if !a.enabled {
		return
	}
	a.logger.Info("security_audit",
		"event_type", "ciba_request",
		"client_id", clientID,
		"auth_req_id", authReqID,
		"accepted", accepted,
		"reason", reason,
		"timestamp", time.Now(),
	)
}

func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:])[:16]
}
