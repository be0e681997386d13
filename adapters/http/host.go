package authhttp

import (
	"context"
	"errors"
	"net/http"

	core "github.com/PaulFidika/kcbridge/core"
	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

const silentCheckPage = `<!doctype html>
<html><body><script>parent.postMessage(location.href, location.origin)</script></body></html>
`

func (s *Service) handleSilentCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(silentCheckPage))
}

type sessionResp struct {
	State         core.State        `json:"state"`
	Authenticated bool              `json:"authenticated"`
	Token         string            `json:"token,omitempty"`
	User          *core.UserProfile `json:"user,omitempty"`
}

func (s *Service) sessionBody(withToken bool) sessionResp {
	out := sessionResp{State: s.coord.State()}
	if sess := s.coord.Session(); sess != nil {
		out.Authenticated = true
		out.User = &sess.User
		if withToken {
			out.Token = sess.Token
		}
	}
	return out
}

// GET /auth?mode=keycloak-callback
func (s *Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("mode") != core.CallbackMode {
		notFound(w, "not_found")
		return
	}
	if !s.allow(r, RLSSOCallback) {
		tooMany(w)
		return
	}
	_, err := s.coord.ResolveCallback(core.WithTrigger(r.Context(), "callback"), oidckit.CallbackFromQuery(r.URL.Query()))
	if err != nil {
		s.log.WithError(err).Warn("callback not resolved")
		if wantsJSON(r) {
			unauthorized(w, "sso_failed")
			return
		}
		http.Redirect(w, r, core.LoginFailedPath, http.StatusFound)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, s.sessionBody(true))
		return
	}
	http.Redirect(w, r, core.WorkspacePath, http.StatusFound)
}

// GET /auth/keycloak/login and /auth/keycloak/register answer with a 302 to the provider.
func (s *Service) handleStart(start func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(r, RLSSOStart) {
			tooMany(w)
			return
		}
		redirected := false
		rd := core.RedirectFunc(func(_ context.Context, target string) error {
			redirected = true
			http.Redirect(w, r, target, http.StatusFound)
			return nil
		})
		err := start(core.WithTrigger(core.WithRedirector(r.Context(), rd), "http"))
		if err == nil {
			if !redirected {
				serverErr(w, "redirect_failed")
			}
			return
		}
		switch {
		case errors.Is(err, core.ErrFederationDisabled):
			unavailable(w, "sso_disabled")
		case errors.Is(err, core.ErrProviderInit):
			s.log.WithError(err).Warn("provider unavailable")
			badGateway(w, "sso_unavailable")
		default:
			s.log.WithError(err).Error("start sign-in")
			serverErr(w, "sso_start_failed")
		}
	}
}

func (s *Service) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLSessionRead) {
		tooMany(w)
		return
	}
	// first read on a fresh host runs the silent session check
	if s.coord.State() == core.StateUnknown {
		if _, err := s.coord.Start(core.WithTrigger(r.Context(), "load")); err != nil {
			s.log.WithError(err).Warn("silent start")
		}
	}
	writeJSON(w, http.StatusOK, s.sessionBody(false))
}

func (s *Service) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, RLSessionClear) {
		tooMany(w)
		return
	}
	if err := s.coord.Logout(core.WithTrigger(r.Context(), "http")); err != nil {
		s.log.WithError(err).Error("logout")
		serverErr(w, "logout_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
