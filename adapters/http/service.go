package authhttp

import (
	"context"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	core "github.com/PaulFidika/kcbridge/core"
	memorylimiter "github.com/PaulFidika/kcbridge/ratelimit/memory"
	redislimiter "github.com/PaulFidika/kcbridge/ratelimit/redis"
)

// Exchanger trades a provider access token for an application session. *backend.Service satisfies it.
type Exchanger interface {
	Exchange(ctx context.Context, providerToken, refreshToken string) (*core.ExchangeResult, error)
}

// Service mounts the host surface (silent relay page, callback, interactive starts, session)
// and the backend exchange endpoint on net/http.
type Service struct {
	coord     *core.Coordinator
	exchanger Exchanger
	rl        RateLimiter
	clientIP  ClientIPFunc
	log       logrus.FieldLogger
}

// NewService wires either side; a nil coordinator leaves the host routes unmounted
// and a nil exchanger leaves the exchange route unmounted.
func NewService(coord *core.Coordinator, exchanger Exchanger) *Service {
	return &Service{
		coord:     coord,
		exchanger: exchanger,
		rl:        memorylimiter.New(ToMemoryLimits(DefaultRateLimits())),
		clientIP:  DefaultClientIP(),
		log:       logrus.StandardLogger().WithField("component", "kcbridge.http"),
	}
}

func (s *Service) WithRateLimiter(rl RateLimiter) *Service { s.rl = rl; return s }
func (s *Service) DisableRateLimiter() *Service            { s.rl = nil; return s }

// WithRedis shares rate-limit windows across instances.
func (s *Service) WithRedis(rdb redis.UniversalClient) *Service {
	if rdb != nil {
		s.rl = redislimiter.New(rdb, ToRedisLimits(DefaultRateLimits()))
	}
	return s
}

func (s *Service) WithClientIPFunc(fn ClientIPFunc) *Service {
	if fn == nil {
		s.clientIP = DefaultClientIP()
		return s
	}
	s.clientIP = fn
	return s
}

func (s *Service) WithLogger(l logrus.FieldLogger) *Service {
	if l != nil {
		s.log = l.WithField("component", "kcbridge.http")
	}
	return s
}

// allow fails open on an unknown client or a limiter error.
func (s *Service) allow(r *http.Request, bucket string) bool {
	if s == nil || s.rl == nil {
		return true
	}
	ipFn := s.clientIP
	if ipFn == nil {
		ipFn = DefaultClientIP()
	}
	ip := ipFn(r)
	if strings.TrimSpace(ip) == "" {
		return true
	}
	ok, err := s.rl.AllowNamed(bucket, "kcbridge:"+bucket+":ip:"+ip)
	if err != nil {
		s.log.WithError(err).Warn("rate limiter unavailable")
		return true
	}
	return ok
}

// Handler mounts every wired route.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.coord != nil {
		s.mountHost(mux)
	}
	if s.exchanger != nil {
		mux.Handle("POST "+core.ExchangePath, s.exchangeHandler())
	}
	return mux
}

// HostHandler serves only the host surface.
func (s *Service) HostHandler() http.Handler {
	mux := http.NewServeMux()
	if s.coord != nil {
		s.mountHost(mux)
	}
	return mux
}

// ExchangeHandler serves only POST /auth/keycloak/exchange.
func (s *Service) ExchangeHandler() http.Handler {
	mux := http.NewServeMux()
	if s.exchanger != nil {
		mux.Handle("POST "+core.ExchangePath, s.exchangeHandler())
	}
	return mux
}

func (s *Service) mountHost(mux *http.ServeMux) {
	mux.HandleFunc("GET "+core.SilentCheckPath, s.handleSilentCheck)
	mux.HandleFunc("GET "+core.CallbackPath, s.handleCallback)
	mux.HandleFunc("GET /auth/keycloak/login", s.handleStart(s.coord.Login))
	mux.HandleFunc("GET /auth/keycloak/register", s.handleStart(s.coord.Register))
	mux.HandleFunc("GET /auth/session", s.handleSessionGet)
	mux.HandleFunc("DELETE /auth/session", s.handleSessionDelete)
}
