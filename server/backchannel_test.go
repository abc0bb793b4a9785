package server

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackchannelDispatchDeliversAll(t *testing.T) {
	var mu sync.Mutex
	got := make(map[string]string)

	rp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		mu.Lock()
		got[r.URL.Path] = r.PostFormValue("logout_token")
		mu.Unlock()
	}))
	defer rp.Close()

	d := NewBackchannelDispatcher(EndSessionConfig{BackchannelMaxWorkers: 2, BackchannelTimeout: time.Second}, testLogger())
	d.Dispatch(map[string]string{
		rp.URL + "/a": "token-a",
		rp.URL + "/b": "token-b",
		rp.URL + "/c": "token-c",
	})
	d.Drain()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
	if got["/a"] != "token-a" || got["/b"] != "token-b" || got["/c"] != "token-c" {
		t.Fatalf("tokens routed to the wrong uris: %v", got)
	}
}

func TestBackchannelDispatchBoundedWorkers(t *testing.T) {
	const maxWorkers = 2

	var current, peak atomic.Int32
	rp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		current.Add(-1)
	}))
	defer rp.Close()

	d := NewBackchannelDispatcher(EndSessionConfig{BackchannelMaxWorkers: maxWorkers, BackchannelTimeout: time.Second}, testLogger())
	tokens := map[string]string{
		rp.URL + "/1": "t1",
		rp.URL + "/2": "t2",
		rp.URL + "/3": "t3",
		rp.URL + "/4": "t4",
		rp.URL + "/5": "t5",
	}
	d.Dispatch(tokens)
	d.Drain()

	if got := peak.Load(); got > maxWorkers {
		t.Fatalf("concurrency exceeded the pool bound: peak %d > %d", got, maxWorkers)
	}
}

func TestBackchannelDispatchFailureIsSilent(t *testing.T) {
	d := NewBackchannelDispatcher(EndSessionConfig{BackchannelMaxWorkers: 2, BackchannelTimeout: 100 * time.Millisecond}, testLogger())

	// Nothing listens here; the delivery fails and is only logged.
	d.Dispatch(map[string]string{"http://127.0.0.1:1/dead": "token"})
	d.Drain()
}

func TestBackchannelDispatchEmptyBatch(t *testing.T) {
	d := NewBackchannelDispatcher(EndSessionConfig{BackchannelMaxWorkers: 2}, testLogger())
	d.Dispatch(nil)
	d.Drain()
}
