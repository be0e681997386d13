package core

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestBridge_ExchangeSuccess(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, _ int32) {
		_, _ = w.Write([]byte(`{"token":"xyz","user":{"id":1}}`))
	})
	src := &fakeSource{h: &fakeHandle{authenticated: true, access: "abc"}}

	res := NewBridge(enabledConfig(be.base()), src).Exchange(context.Background())
	require.NotNil(t, res)
	require.Equal(t, "xyz", res.AppToken)
	require.Equal(t, UserID("1"), res.AppUser.ID)

	require.Len(t, be.bodies, 1)
	require.Equal(t, "abc", be.bodies[0].KeycloakToken)
	require.Nil(t, be.bodies[0].KeycloakRefreshToken)
}

func TestBridge_SendsNullRefreshTokenAndRefreshWhenPresent(t *testing.T) {
	be := newBackend(t, func(w http.ResponseWriter, _ int32) {
		_, _ = w.Write([]byte(`{"token":"t","user":{"id":"u-1"}}`))
	})

	h := &fakeHandle{authenticated: true, access: "abc"}
	b := NewBridge(enabledConfig(be.base()), &fakeSource{h: h})
	require.NotNil(t, b.Exchange(context.Background()))

	h.mu.Lock()
	h.refresh = "rt-1"
	h.mu.Unlock()
	require.NotNil(t, b.Exchange(context.Background()))

	require.Len(t, be.raw, 2)
	require.JSONEq(t, `{"keycloak_token":"abc","keycloak_refresh_token":null}`, be.raw[0])
	require.JSONEq(t, `{"keycloak_token":"abc","keycloak_refresh_token":"rt-1"}`, be.raw[1])
}

func TestBridge_UnauthenticatedSendsNothing(t *testing.T) {
	be := okBackend(t)
	before := testutil.ToFloat64(exchangeTotal.WithLabelValues("skipped"))

	for _, h := range []*fakeHandle{
		{authenticated: false},
		{authenticated: false, access: "stale"},
		{authenticated: true, access: ""},
	} {
		require.Nil(t, NewBridge(enabledConfig(be.base()), &fakeSource{h: h}).Exchange(context.Background()))
	}
	require.Equal(t, int32(0), be.hits.Load())
	require.Equal(t, before+3, testutil.ToFloat64(exchangeTotal.WithLabelValues("skipped")))
}

func TestBridge_FailuresAreNilAndLogged(t *testing.T) {
	cases := map[string]func(w http.ResponseWriter, n int32){
		"server error": func(w http.ResponseWriter, _ int32) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
		},
		"unauthorized": func(w http.ResponseWriter, _ int32) {
			w.WriteHeader(http.StatusUnauthorized)
		},
		"malformed": func(w http.ResponseWriter, _ int32) {
			_, _ = w.Write([]byte(`<html>gateway</html>`))
		},
		"missing token": func(w http.ResponseWriter, _ int32) {
			_, _ = w.Write([]byte(`{"user":{"id":1}}`))
		},
		"missing user": func(w http.ResponseWriter, _ int32) {
			_, _ = w.Write([]byte(`{"token":"xyz"}`))
		},
		"bad user id": func(w http.ResponseWriter, _ int32) {
			_, _ = w.Write([]byte(`{"token":"xyz","user":{"id":true}}`))
		},
	}
	for name, handle := range cases {
		t.Run(name, func(t *testing.T) {
			be := newBackend(t, handle)
			log, hook := nullLogger()
			src := &fakeSource{h: &fakeHandle{authenticated: true, access: "abc"}}

			var res *ExchangeResult
			require.NotPanics(t, func() {
				res = NewBridge(enabledConfig(be.base()), src).WithLogger(log).Exchange(context.Background())
			})
			require.Nil(t, res)
			require.Equal(t, int32(1), be.hits.Load())
			require.Len(t, componentEntries(hook, "kcbridge.exchange", logrus.ErrorLevel), 1)
		})
	}
}

func TestBridge_TimeoutIsNil(t *testing.T) {
	release := make(chan struct{})
	be := newBackend(t, func(w http.ResponseWriter, _ int32) {
		<-release
		_, _ = w.Write([]byte(`{"token":"late","user":{"id":1}}`))
	})
	defer close(release)

	cfg := enabledConfig(be.base())
	cfg.ExchangeTimeout = 50 * time.Millisecond
	log, hook := nullLogger()

	start := time.Now()
	res := NewBridge(cfg, &fakeSource{h: &fakeHandle{authenticated: true, access: "abc"}}).WithLogger(log).Exchange(context.Background())
	require.Nil(t, res)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, componentEntries(hook, "kcbridge.exchange", logrus.ErrorLevel), 1)
}

func TestBridge_TransportErrorIsNil(t *testing.T) {
	be := okBackend(t)
	base := be.base()
	be.srv.Close()

	res := NewBridge(enabledConfig(base), &fakeSource{h: &fakeHandle{authenticated: true, access: "abc"}}).Exchange(context.Background())
	require.Nil(t, res)
}

func TestBridge_RepeatedExchangeIsSafe(t *testing.T) {
	be := okBackend(t)
	b := NewBridge(enabledConfig(be.base()), &fakeSource{h: &fakeHandle{authenticated: true, access: "abc"}})

	first := b.Exchange(context.Background())
	second := b.Exchange(context.Background())
	require.NotNil(t, first)
	require.NotNil(t, second)
	require.NotEmpty(t, first.AppToken)
	require.NotEmpty(t, second.AppToken)
	require.Equal(t, first.AppUser.ID, second.AppUser.ID)
	require.Equal(t, int32(2), be.hits.Load())
}

func TestUserID_JSON(t *testing.T) {
	var p UserProfile
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"email":"a@b.c","avatar_url":"https://x/y.png"}`), &p))
	require.Equal(t, UserID("1"), p.ID)
	require.NotNil(t, p.AvatarURL)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"7f3c"}`), &p))
	require.Equal(t, UserID("7f3c"), p.ID)

	out, err := json.Marshal(UserProfile{ID: "12"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":12}`, string(out))

	out, err = json.Marshal(UserProfile{ID: "0012"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"0012"}`, string(out))
}
