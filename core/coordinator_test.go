package core

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
	memorystore "github.com/PaulFidika/kcbridge/storage/memory"
	kctesting "github.com/PaulFidika/kcbridge/testing"
)

func TestCoordinator_StartWithoutSession(t *testing.T) {
	be := okBackend(t)
	h := &fakeHandle{}
	c := NewCoordinator(enabledConfig(be.base()), &fakeSource{h: h})

	require.Equal(t, StateUnknown, c.State())
	st, err := c.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateSilentChecked, st)
	require.Equal(t, StateSilentChecked, c.State())
	require.Nil(t, c.Session())
	require.Equal(t, int32(0), be.hits.Load())
}

func TestCoordinator_StartDisabled(t *testing.T) {
	cfg := enabledConfig("http://api.invalid")
	cfg.Provider.URL = ""
	h := &fakeHandle{initResult: true}
	st, err := NewCoordinator(cfg, &fakeSource{h: h}).Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateSilentChecked, st)
	require.Empty(t, h.callLog())
}

func TestCoordinator_StartSilentSessionExchanges(t *testing.T) {
	be := okBackend(t)
	h := &fakeHandle{initResult: true, access: "abc", claims: oidckit.Claims{Subject: "u-alice"}}
	store := NewKVAppSessionStore(memorystore.NewKV(), "")
	events := &eventRecorder{}
	c := NewCoordinator(enabledConfig(be.base()), &fakeSource{h: h}).WithSessionStore(store).WithEventSink(events)

	st, err := c.Start(WithTrigger(context.Background(), "test"))
	require.NoError(t, err)
	require.Equal(t, StateExchanged, st)
	require.Equal(t, []State{StateProviderAuthenticated, StateExchanged}, events.path())
	require.Equal(t, "test", *events.events[1].Trigger)
	require.Equal(t, "u-alice", events.events[1].Subject)
	require.Equal(t, "42", events.events[1].UserID)

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, c.Session().Token, stored.Token)
	require.Equal(t, UserID("42"), stored.User.ID)
}

func TestCoordinator_StartRestoresStoredSession(t *testing.T) {
	store := NewKVAppSessionStore(memorystore.NewKV(), "")
	require.NoError(t, store.Save(context.Background(), AppSession{Token: "saved", User: UserProfile{ID: "9"}}))
	h := &fakeHandle{initResult: true}

	c := NewCoordinator(enabledConfig("http://api.invalid"), &fakeSource{h: h}).WithSessionStore(store)
	st, err := c.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateExchanged, st)
	require.Equal(t, "saved", c.Session().Token)
	require.Empty(t, h.callLog())
}

func TestCoordinator_CorruptStoredSessionIsDropped(t *testing.T) {
	kv := memorystore.NewKV()
	require.NoError(t, kv.Set(context.Background(), DefaultAppSessionKey, []byte("{oops"), 0))
	store := NewKVAppSessionStore(kv, "")
	log, hook := nullLogger()

	c := NewCoordinator(enabledConfig("http://api.invalid"), &fakeSource{h: &fakeHandle{}}).WithSessionStore(store).WithLogger(log)
	st, err := c.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateSilentChecked, st)

	_, found, _ := kv.Get(context.Background(), DefaultAppSessionKey)
	require.False(t, found)
	require.NotEmpty(t, componentEntries(hook, "kcbridge.coordinator", logrus.WarnLevel))
}

func TestCoordinator_ExchangeFailureRestsInFailed(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, _ int32) {
		w.WriteHeader(http.StatusBadGateway)
	})
	h := &fakeHandle{initResult: true, access: "abc"}
	c := NewCoordinator(enabledConfig(be.base()), &fakeSource{h: h})

	st, err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrSSOFailed)
	require.Equal(t, StateFailed, st)

	// no automatic retry: the failed attempt is the only request
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), be.hits.Load())
	require.Equal(t, StateFailed, c.State())
	require.Nil(t, c.Session())

	// the caller decides to try again
	_, err = c.Exchange(context.Background())
	require.ErrorIs(t, err, ErrSSOFailed)
	require.Equal(t, int32(2), be.hits.Load())
}

func TestCoordinator_ExchangeWithoutProviderSession(t *testing.T) {
	be := okBackend(t)
	c := NewCoordinator(enabledConfig(be.base()), &fakeSource{h: &fakeHandle{}})
	sess, err := c.Exchange(context.Background())
	require.NoError(t, err)
	require.Nil(t, sess)
	require.Equal(t, StateUnknown, c.State())
	require.Equal(t, int32(0), be.hits.Load())
}

func TestCoordinator_LoginAwaitsCallback(t *testing.T) {
	rd := &captureRedirector{}
	c := NewCoordinator(enabledConfig(""), &fakeSource{h: &fakeHandle{}}).WithRedirector(rd)
	require.NoError(t, c.Login(context.Background()))
	require.Equal(t, StateAwaitingRedirectCallback, c.State())
	require.Len(t, rd.targets, 1)

	require.NoError(t, c.Register(context.Background()))
	require.Len(t, rd.targets, 2)
}

func TestCoordinator_LoginInitFailure(t *testing.T) {
	cause := errors.New("realm down")
	c := NewCoordinator(enabledConfig(""), &fakeSource{h: &fakeHandle{initErr: cause}}).WithRedirector(&captureRedirector{})
	err := c.Login(context.Background())
	require.ErrorIs(t, err, cause)
	require.Equal(t, StateFailed, c.State())
}

func TestCoordinator_LoginDisabledKeepsState(t *testing.T) {
	cfg := enabledConfig("")
	cfg.Provider.URL = ""
	c := NewCoordinator(cfg, &fakeSource{h: &fakeHandle{}})
	require.ErrorIs(t, c.Login(context.Background()), ErrFederationDisabled)
	require.Equal(t, StateUnknown, c.State())
}

func TestCoordinator_ProbeAndRedirectAreSerialized(t *testing.T) {
	be := okBackend(t)
	h := &fakeHandle{gate: make(chan struct{})}
	c := NewCoordinator(enabledConfig(be.base()), &fakeSource{h: h}).WithRedirector(&captureRedirector{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = c.Start(context.Background())
	}()
	require.Eventually(t, func() bool { return len(h.callLog()) == 1 }, time.Second, 5*time.Millisecond)
	go func() {
		defer wg.Done()
		_ = c.Login(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"init"}, h.callLog())

	close(h.gate)
	wg.Wait()
	require.Equal(t, []string{"init", "init", "auth_url"}, h.callLog())
	require.Equal(t, StateAwaitingRedirectCallback, c.State())
}

func TestCoordinator_Logout(t *testing.T) {
	be := okBackend(t)
	store := NewKVAppSessionStore(memorystore.NewKV(), "")
	h := &fakeHandle{initResult: true, access: "abc"}
	c := NewCoordinator(enabledConfig(be.base()), &fakeSource{h: h}).WithSessionStore(store)

	_, err := c.Start(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c.Session())

	require.NoError(t, c.Logout(context.Background()))
	require.Nil(t, c.Session())
	require.Equal(t, StateUnknown, c.State())
	require.False(t, h.Authenticated())
	sess, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Nil(t, sess)
}

func TestCoordinator_CallbackRoundTripAgainstRealm(t *testing.T) {
	realm := kctesting.NewRealm()
	defer realm.Close()
	be := okBackend(t)
	ctx := context.Background()

	cfg := Config{Origin: "http://app.local", APIBaseURL: be.base(), Provider: realm.Config()}
	reg := oidckit.NewRegistry(oidckit.WithHTTPClient(realm.HTTPClient()))
	rd := &captureRedirector{}
	events := &eventRecorder{}
	c := NewCoordinator(cfg, FromRegistry(reg)).WithRedirector(rd).WithEventSink(events)

	st, err := c.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, StateSilentChecked, st)

	require.NoError(t, c.Login(ctx))
	realm.ExpectLogin(kctesting.User{Subject: "u-alice", Email: "alice@example.com"})
	loc, err := realm.Authorize(ctx, rd.targets[0])
	require.NoError(t, err)

	sess, err := c.ResolveCallback(ctx, oidckit.CallbackFromQuery(loc.Query()))
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)
	require.Equal(t, StateExchanged, c.State())
	require.Equal(t, []State{StateSilentChecked, StateAwaitingRedirectCallback, StateProviderAuthenticated, StateExchanged}, events.path())

	be.mu.Lock()
	sent := be.bodies[0]
	be.mu.Unlock()
	require.Equal(t, reg.GetHandle(cfg.Provider).AccessToken(), sent.KeycloakToken)
	require.NotNil(t, sent.KeycloakRefreshToken)
}

func TestCoordinator_CallbackErrorFails(t *testing.T) {
	realm := kctesting.NewRealm()
	defer realm.Close()
	be := okBackend(t)

	cfg := Config{Origin: "http://app.local", APIBaseURL: be.base(), Provider: realm.Config()}
	reg := oidckit.NewRegistry(oidckit.WithHTTPClient(realm.HTTPClient()))
	c := NewCoordinator(cfg, FromRegistry(reg))

	_, err := c.ResolveCallback(context.Background(), oidckit.Callback{Error: "access_denied", State: "s"})
	require.ErrorIs(t, err, ErrSSOFailed)
	var cbErr *oidckit.CallbackError
	require.ErrorAs(t, err, &cbErr)
	require.Equal(t, StateFailed, c.State())

	_, err = c.ResolveCallback(context.Background(), oidckit.Callback{Error: "login_required", State: "s"})
	require.ErrorIs(t, err, ErrSSOFailed)
	require.Equal(t, int32(0), be.hits.Load())
}
