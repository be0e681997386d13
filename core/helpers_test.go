package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

// fakeHandle stands in for the provider handle in unit tests.
type fakeHandle struct {
	mu            sync.Mutex
	authenticated bool
	access        string
	refresh       string
	claims        oidckit.Claims
	initResult    bool
	initErr       error
	gate          chan struct{}
	calls         []string
	actions       []oidckit.Action
	redirects     []string
}

func (f *fakeHandle) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeHandle) Init(ctx context.Context, opts oidckit.InitOptions) (bool, error) {
	f.record("init")
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return false, f.initErr
	}
	if f.initResult {
		f.authenticated = true
	}
	return f.initResult, nil
}

func (f *fakeHandle) AuthURL(_ context.Context, action oidckit.Action, redirectURI string) (string, error) {
	f.record("auth_url")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	f.redirects = append(f.redirects, redirectURI)
	return "https://kc.example/" + string(action) + "?redirect_uri=" + redirectURI, nil
}

func (f *fakeHandle) Authenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeHandle) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access
}

func (f *fakeHandle) RefreshToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refresh
}

func (f *fakeHandle) Claims() oidckit.Claims {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims
}

func (f *fakeHandle) Clear(context.Context) error {
	f.record("clear")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated = false
	f.access, f.refresh = "", ""
	return nil
}

func (f *fakeHandle) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSource struct {
	h     *fakeHandle
	calls atomic.Int32
}

func (s *fakeSource) GetHandle(oidckit.Config) ProviderHandle {
	s.calls.Add(1)
	return s.h
}

func enabledConfig(apiBase string) Config {
	return Config{
		Origin:     "http://app.local",
		APIBaseURL: apiBase,
		Provider:   oidckit.Config{URL: "https://kc.example", Realm: "devhub", ClientID: "devhub-frontend"},
	}
}

// backend is a scripted exchange endpoint.
type backend struct {
	srv    *httptest.Server
	hits   atomic.Int32
	mu     sync.Mutex
	bodies []ExchangeRequest
	raw    []string
	handle func(w http.ResponseWriter, n int32)
}

func newBackend(t *testing.T, handle func(w http.ResponseWriter, n int32)) *backend {
	t.Helper()
	b := &backend{handle: handle}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api"+ExchangePath {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var req ExchangeRequest
		_ = json.Unmarshal(raw, &req)
		b.mu.Lock()
		b.bodies = append(b.bodies, req)
		b.raw = append(b.raw, string(raw))
		b.mu.Unlock()
		b.handle(w, b.hits.Add(1))
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) base() string { return b.srv.URL + "/api" }

func okBackend(t *testing.T) *backend {
	return newBackend(t, func(w http.ResponseWriter, n int32) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token": fmt.Sprintf("app-token-%d", n),
			"user":  map[string]any{"id": 42, "email": "alice@example.com", "name": "Alice"},
		})
	})
}

func nullLogger() (logrus.FieldLogger, *logtest.Hook) {
	l, hook := logtest.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return l, hook
}

// componentEntries returns the messages logged at level or above by component.
func componentEntries(hook *logtest.Hook, component string, level logrus.Level) []string {
	var out []string
	for _, e := range hook.AllEntries() {
		if e.Data["component"] == component && e.Level <= level {
			out = append(out, e.Message)
		}
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (r *eventRecorder) LogSessionEvent(_ context.Context, e SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) path() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.To)
	}
	return out
}
