package api

import (
	"context"
	"net/http"
	"sharebox/cfg"
	"sharebox/svc/auth"
	"sharebox/svc/db"
	"sharebox/svc/lim"
	"sharebox/svc/svc"
	"sharebox/svc/util"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

const (
	endpointLogin = "login"
	endpointView  = "view"
)

type Server struct {
	router     *chi.Mux
	content    *svc.Content
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	conf       *cfg.Store
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, conf *cfg.Store, content *svc.Content, sessions *auth.Sessions, l *lim.Limiter, rdb *db.Redis) *Server {
	l.SetPolicy(endpointLogin, lim.Policy{RPM: c.RateLimit.LoginPerMin, Burst: c.RateLimit.LoginPerMin})
	l.SetPolicy(endpointView, lim.Policy{RPM: c.RateLimit.RPM, Burst: c.RateLimit.Burst})

	s := &Server{
		content: content,
		lim:     l,
		cfg:     c,
		conf:    conf,
		rdb:     rdb,
	}
	r := chi.NewRouter()
	mw := NewMw(l, c)
	hdl := &Hdl{content: content, sessions: sessions, conf: conf, cfg: c}
	requireLogin := auth.RequireLogin(sessions)

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.Observe)

		r.Get("/login", hdl.LoginPage)
		r.With(mw.RateLimit(endpointLogin)).Post("/login", hdl.Login)
		r.Get("/logout", hdl.Logout)
		r.With(mw.RateLimit(endpointView)).Get("/s/{id}", hdl.View)

		r.Group(func(r chi.Router) {
			r.Use(requireLogin)
			r.Get("/", hdl.Index)
			r.Post("/create", hdl.Create)
			r.Post("/delete/{id}", hdl.Delete)
			r.Get("/config", hdl.GetConfig)
			r.Post("/config", hdl.UpdateConfig)
			r.Get("/api/contents", hdl.ListContents)
			r.Mount("/debug", debugOnly(conf, middleware.Profiler()))
		})
	})

	s.router = r
	s.httpServer = &http.Server{
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

// debugOnly hides h unless server.debug is on in the current config.
func debugOnly(conf *cfg.Store, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !conf.Current().Server.Debug {
			http.NotFound(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}

// Start listens on the address from the config snapshot taken at call time.
// Later host/port edits need a restart.
func (s *Server) Start() error {
	addr := s.conf.Current().Addr()
	s.httpServer.Addr = addr
	util.Info().Str("addr", addr).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("addr", addr).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
