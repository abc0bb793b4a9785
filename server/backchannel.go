package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// BackchannelDispatcher posts logout tokens to relying-party back-channel
// endpoints through a bounded worker pool. Delivery is at-most-once and
// best-effort: no retry, no response correlation, failures are only logged.
type BackchannelDispatcher struct {
	client     *http.Client
	maxWorkers int
	logger     *slog.Logger

	wg sync.WaitGroup
}

// NewBackchannelDispatcher constructs the dispatcher.
func NewBackchannelDispatcher(cfg EndSessionConfig, logger *slog.Logger) *BackchannelDispatcher {
	workers := cfg.BackchannelMaxWorkers
	if workers < 1 {
		workers = DefaultBackchannelWorkers
	}
	timeout := cfg.BackchannelTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BackchannelDispatcher{
		client:     &http.Client{Timeout: timeout},
		maxWorkers: workers,
		logger:     logger,
	}
}

// Dispatch fans the logout tokens out to their URIs and returns without
// waiting. The pool for a batch is capped at min(maxWorkers, batch size).
func (d *BackchannelDispatcher) Dispatch(tokens map[string]string) {
	if len(tokens) == 0 {
		return
	}

	jobs := make(chan [2]string, len(tokens))
	for uri, token := range tokens {
		jobs <- [2]string{uri, token}
	}
	close(jobs)

	workers := d.maxWorkers
	if len(tokens) < workers {
		workers = len(tokens)
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer d.wg.Done()
			for job := range jobs {
				d.post(job[0], job[1])
			}
		}()
	}
}

// Drain blocks until all in-flight deliveries complete. Used on shutdown
// and in tests; request handlers never wait on it.
func (d *BackchannelDispatcher) Drain() {
	d.wg.Wait()
}

func (d *BackchannelDispatcher) post(uri, logoutToken string) {
	var body string
	if strings.Contains(uri, "logout_token=") {
		// The registered uri already carries the token parameter in its
		// query string; append there instead of the body.
		uri += "&logout_token=" + url.QueryEscape(logoutToken)
	} else {
		body = url.Values{"logout_token": {logoutToken}}.Encode()
	}
	resp, err := d.client.Post(uri, "application/x-www-form-urlencoded", strings.NewReader(body))
	if err != nil {
		d.logger.Error("backchannel logout call failed", "uri", uri, "error", err)
		return
	}
	resp.Body.Close()
	d.logger.Info("backchannel logout call", "uri", uri, "status", resp.StatusCode)
}
