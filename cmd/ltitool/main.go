package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/mindengage-lti-tool/internal/access"
	"github.com/mind-engage/mindengage-lti-tool/internal/admin"
	"github.com/mind-engage/mindengage-lti-tool/internal/ags"
	"github.com/mind-engage/mindengage-lti-tool/internal/auth"
	"github.com/mind-engage/mindengage-lti-tool/internal/config"
	"github.com/mind-engage/mindengage-lti-tool/internal/db"
	"github.com/mind-engage/mindengage-lti-tool/internal/deeplinking"
	"github.com/mind-engage/mindengage-lti-tool/internal/host"
	"github.com/mind-engage/mindengage-lti-tool/internal/launch"
	"github.com/mind-engage/mindengage-lti-tool/internal/logging"
	"github.com/mind-engage/mindengage-lti-tool/internal/ltiauth"
	ltimw "github.com/mind-engage/mindengage-lti-tool/internal/middleware"
	"github.com/mind-engage/mindengage-lti-tool/internal/obs"
	"github.com/mind-engage/mindengage-lti-tool/internal/profiles"
	"github.com/mind-engage/mindengage-lti-tool/internal/tasks"
	"github.com/mind-engage/mindengage-lti-tool/pkg/lti"
)

const loginPath = "/auth/login"

func main() {
	cfg := config.FromEnv()
	logging.Configure(cfg.LogLevel, cfg.LogFormat)
	log := logging.Log()
	obs.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("ltitool exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	// --- DB ---
	driver, err := db.ParseDriver(cfg.DBDriver)
	if err != nil {
		return err
	}
	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	dbh, err := db.Open(openCtx, driver, cfg.DBDSN)
	cancel()
	if err != nil {
		return err
	}
	defer dbh.Close()

	// --- Launch cache ---
	var cache ltiauth.Cache
	if cfg.RedisAddr != "" {
		rc, err := ltiauth.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer rc.Close()
		cache = rc
	} else {
		log.Warn("REDIS_ADDR not set, launch cache is process local")
		cache = ltiauth.NewMemoryCache()
	}

	// --- Keys ---
	keys := &ltiauth.KeyManager{RotationInterval: cfg.KeyRotateEvery}
	if cfg.ToolPrivateKeyFile != "" {
		kid, err := keys.LoadPEMFile(cfg.ToolPrivateKeyFile)
		if err != nil {
			return err
		}
		log.WithField("kid", kid).Info("tool signing key loaded")
	}
	resolver, err := ltiauth.NewJWKSResolver(ctx, nil)
	if err != nil {
		return err
	}

	// --- Stores ---
	tools := access.NewStore(dbh)
	profs := profiles.NewStore(dbh, log)
	lms := host.NewSQL(dbh)
	graded := ags.NewStore(dbh)
	sessions := auth.NewSessions(cfg.SessionSecret, cfg.SessionCookieName, cfg.SessionTTL, cfg.SecureCookies)

	oidc := &ltiauth.OIDC{
		Registry:      tools,
		Keys:          resolver,
		Cache:         cache,
		Launches:      ltiauth.NewLaunchStore(cache, cfg.LaunchCacheTTL),
		Log:           log,
		SecureCookies: cfg.SecureCookies,
	}

	launches := &launch.Handler{
		Pipeline: &launch.Pipeline{
			Messages: oidc,
			Identity: lti.IdentityResolver{CapturePII: cfg.Features.CapturePII},
			Access: &access.Checker{
				Enabled: cfg.Features.CourseAccessConfiguration,
				Source:  tools,
				Log:     log,
			},
			Configs:       tools,
			Profiles:      profs,
			Auth:          profiles.Backend{Profiles: profs, Users: lms},
			Sessions:      sessions,
			Enroller:      lms,
			Graded:        graded,
			Resume:        oidc.Launches,
			Features:      cfg.Features,
			LMSBaseURL:    cfg.LMSBaseURL,
			SecureCookies: cfg.SecureCookies,
			Log:           log,
		},
		LoginPath: loginPath,
		Log:       log,
	}

	flow := &deeplinking.Flow{
		Messages:        oidc,
		Catalog:         lms,
		Configs:         tools,
		Signer:          keys,
		PublicURL:       cfg.PublicURL,
		APISecret:       []byte("deep-linking:" + cfg.SessionSecret),
		PageSizeMax:     cfg.DeepLinkingPageSizeMax,
		RestrictCourses: cfg.Features.CourseAccessConfiguration,
		Log:             log,
	}

	// --- Grade passback ---
	queue := tasks.New(tasks.Options{
		Workers:       cfg.AGSWorkers,
		MaxRetries:    cfg.AGSMaxRetries,
		RatePerSecond: cfg.AGSPushRate,
		DrainTimeout:  30 * time.Second,
	}, log)
	queue.Start(ctx)
	defer queue.Stop()

	bridge := &ags.Bridge{
		Profiles:  profs,
		Resources: graded,
		Publisher: &ags.Publisher{Client: ags.NewClient(tools, keys, cfg.AGSTimeout), Log: log, Now: time.Now},
		Content:   lms,
		Grades:    lms,
		Queue:     queue,
		Log:       log,
	}
	events := make(chan ags.Event, 256)
	go bridge.Run(ctx, events)

	// the tool's own surface stays reachable for profile users
	patterns := append([]string{`^/lti/1\.3/`, `^/auth/`}, cfg.AllowedURLPatterns...)
	allowed, err := ltimw.CompilePatterns(patterns)
	if err != nil {
		return err
	}
	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN not set, admin API rejects every request")
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, logging.RequestLogger("/healthz", "/metrics"), middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(obs.Instrument)
	r.Use(sessions.Attach)
	r.Use(ltimw.ProfileOrLoggedOut(sessions, profs, allowed, log))

	r.Post(loginPath, auth.LoginHandler(sessions, lms, log))
	r.Post("/auth/logout", auth.LogoutHandler(sessions))

	r.Route("/lti/1.3", func(lr chi.Router) {
		lr.Use(ltimw.RequireEnabled(cfg.Features.ToolEnabled))

		lr.Get("/login", oidc.LoginHandler)
		lr.Post("/login", oidc.LoginHandler)
		lr.Method(http.MethodGet, "/pub/jwks", &ltiauth.JWKSHandler{Provider: keys})
		lr.Mount("/launch", launches.Routes())

		lr.Group(func(dr chi.Router) {
			dr.Use(cors.Handler(cors.Options{
				AllowedOrigins:   cfg.CORSOrigins,
				AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders:   []string{"Authorization", "Content-Type"},
				ExposedHeaders:   []string{"Content-Length"},
				AllowCredentials: true,
				MaxAge:           300,
			}))
			dr.Mount("/deep-linking", flow.Routes())
		})

		lr.With(admin.RequireToken(cfg.AdminToken)).
			Post("/events/grades", admin.GradeEvents(admin.ChanSink(events), log))
	})

	r.Group(func(ar chi.Router) {
		ar.Use(admin.RequireToken(cfg.AdminToken))
		ar.Mount("/admin", admin.Routes(tools, profs, log))
	})

	r.Handle("/metrics", obs.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbh.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":       cfg.HTTPAddr,
			"db":         driver,
			"lti":        cfg.Features.ToolEnabled,
			"public_url": cfg.PublicURL,
		}).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
