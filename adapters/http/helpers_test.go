package authhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	backend "github.com/PaulFidika/kcbridge/backend"
	core "github.com/PaulFidika/kcbridge/core"
	oidckit "github.com/PaulFidika/kcbridge/oidc"
	memorystore "github.com/PaulFidika/kcbridge/storage/memory"
	kctesting "github.com/PaulFidika/kcbridge/testing"
)

type stack struct {
	realm   *kctesting.Realm
	store   *backend.MemoryStore
	backend *backend.Service
	api     *httptest.Server
	kv      *memorystore.KV
	coord   *core.Coordinator
	host    http.Handler
}

// newStack wires a fake realm, the reference backend behind /api, and a host surface.
func newStack(t *testing.T) *stack {
	t.Helper()
	realm := kctesting.NewRealm()
	t.Cleanup(realm.Close)

	m, err := backend.NewMinter([]byte("test-secret-test-secret"), "", 0)
	require.NoError(t, err)
	store := backend.NewMemoryStore()
	be := backend.NewService(backend.NewOIDCVerifier(realm.Config(), realm.HTTPClient()), store, m)

	api := httptest.NewServer(http.StripPrefix("/api", NewService(nil, be).ExchangeHandler()))
	t.Cleanup(api.Close)

	cfg := core.Config{Origin: "http://app.local", APIBaseURL: api.URL + "/api", Provider: realm.Config()}
	kv := memorystore.NewKV()
	coord := core.NewCoordinator(cfg, core.FromRegistry(newRegistry(realm, kv)))

	return &stack{
		realm:   realm,
		store:   store,
		backend: be,
		api:     api,
		kv:      kv,
		coord:   coord,
		host:    NewService(coord, nil).HostHandler(),
	}
}

func newRegistry(realm *kctesting.Realm, kv *memorystore.KV) *oidckit.Registry {
	return oidckit.NewRegistry(
		oidckit.WithHTTPClient(realm.HTTPClient()),
		oidckit.WithSessionStore(oidckit.NewKVSessionStore(kv, "")),
	)
}

func (s *stack) get(path string, header ...string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	s.host.ServeHTTP(w, r)
	return w
}

// signIn walks GET /auth/keycloak/login through the realm and returns the callback path.
func (s *stack) signIn(t *testing.T, u kctesting.User) string {
	t.Helper()
	w := s.get("/auth/keycloak/login")
	require.Equal(t, http.StatusFound, w.Code)
	s.realm.ExpectLogin(u)
	loc, err := s.realm.Authorize(context.Background(), w.Header().Get("Location"))
	require.NoError(t, err)
	return loc.RequestURI()
}

type stubExchanger struct {
	res *core.ExchangeResult
	err error

	token, refresh string
}

func (s *stubExchanger) Exchange(_ context.Context, token, refresh string) (*core.ExchangeResult, error) {
	s.token, s.refresh = token, refresh
	return s.res, s.err
}
