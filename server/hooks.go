package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// PreLogoutHook is invoked before a session is terminated. A non-nil error
// aborts the logout without removing the session.
type PreLogoutHook interface {
	OnPreLogout(ctx context.Context, sess *Session) error
}

// HookRegistry holds the active hook configuration. It is constructed once
// at startup and passed by reference; Reload swaps the variant without
// restarting.
type HookRegistry struct {
	mu        sync.RWMutex
	preLogout PreLogoutHook
	logger    *slog.Logger
}

// NewHookRegistry selects the hook variants from configuration.
func NewHookRegistry(cfg HooksConfig, logger *slog.Logger) *HookRegistry {
	r := &HookRegistry{logger: logger}
	r.Reload(cfg)
	return r
}

// PreLogout returns the active pre-logout hook.
func (r *HookRegistry) PreLogout() PreLogoutHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.preLogout
}

// Reload replaces the active hooks from a new configuration.
func (r *HookRegistry) Reload(cfg HooksConfig) {
	hook := buildPreLogoutHook(cfg.PreLogout, r.logger)
	r.mu.Lock()
	r.preLogout = hook
	r.mu.Unlock()
}

func buildPreLogoutHook(cfg PreLogoutHookConfig, logger *slog.Logger) PreLogoutHook {
	switch cfg.Type {
	case "webhook":
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return &webhookPreLogout{
			url:    cfg.URL,
			client: &http.Client{Timeout: timeout},
			logger: logger,
		}
	default:
		return noopPreLogout{}
	}
}

type noopPreLogout struct{}

func (noopPreLogout) OnPreLogout(context.Context, *Session) error { return nil }

// webhookPreLogout POSTs the session summary to an external endpoint and
// treats any non-2xx response as a rejection.
type webhookPreLogout struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func (h *webhookPreLogout) OnPreLogout(ctx context.Context, sess *Session) error {
	payload, err := json.Marshal(map[string]string{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("pre-logout webhook returned status %d", resp.StatusCode)
	}
	return nil
}
