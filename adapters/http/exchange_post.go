package authhttp

import (
	"errors"
	"net/http"
	"strings"

	backend "github.com/PaulFidika/kcbridge/backend"
	core "github.com/PaulFidika/kcbridge/core"
)

// POST /auth/keycloak/exchange
func (s *Service) exchangeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allow(r, RLExchange) {
			tooMany(w)
			return
		}
		var req core.ExchangeRequest
		if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.KeycloakToken) == "" {
			badRequest(w, "invalid_request")
			return
		}
		var refresh string
		if req.KeycloakRefreshToken != nil {
			refresh = *req.KeycloakRefreshToken
		}
		res, err := s.exchanger.Exchange(r.Context(), req.KeycloakToken, refresh)
		if err != nil {
			if errors.Is(err, backend.ErrInvalidProviderToken) {
				unauthorized(w, "invalid_token")
				return
			}
			s.log.WithError(err).Error("exchange")
			serverErr(w, "exchange_failed")
			return
		}
		writeJSON(w, http.StatusOK, res)
	})
}
