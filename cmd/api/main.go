package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/codesense/central/internal/adminauth"
	"github.com/codesense/central/internal/attestation"
	"github.com/codesense/central/internal/config"
	"github.com/codesense/central/internal/handlers"
	appMiddleware "github.com/codesense/central/internal/middleware"
	"github.com/codesense/central/internal/keystore"
	"github.com/codesense/central/internal/localstore"
	"github.com/codesense/central/internal/licensestore"
	"github.com/codesense/central/internal/nonce"
	"github.com/codesense/central/internal/repository"
	"github.com/codesense/central/internal/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := repository.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	redis, err := repository.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redis.Close()

	keys, err := keystore.Load(cfg.CentralKeysDir)
	if err != nil {
		log.Fatalf("failed to load root keypair from %s: %v", cfg.CentralKeysDir, err)
	}

	tokenSvc := tokens.New(keys)
	licenses := licensestore.New(db, redis)
	locals := localstore.New(db.Pool())
	engine := attestation.New(licenses, locals, tokenSvc, nonce.DefaultGenerator{}, keys, nil)
	operatorGate := adminauth.New(cfg.OperatorTokenHash, []byte(cfg.AdminSessionSecret))

	localHandler := handlers.NewLocalHandler(engine)
	adminLicenseHandler := handlers.NewAdminLicenseHandler(licenses, locals, keys)
	operatorHandler := handlers.NewOperatorHandler(operatorGate)
	healthHandler := handlers.NewHealthHandler(db, redis)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(httprate.LimitByIP(100, time.Minute))

	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Get("/health/detailed", healthHandler.Detailed)

	r.Route("/local", func(r chi.Router) {
		r.Post("/provision/", localHandler.Provision)
		r.Post("/challenge/", localHandler.Challenge)
		r.Post("/assertion/", localHandler.Assertion)
		// update-usage is a routed alias of assertion: the only
		// difference between the two call sites is that update-usage
		// callers always set usage_type.
		r.Post("/update-usage/", localHandler.Assertion)
	})

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Post("/login", operatorHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.OperatorAuth(operatorGate))

			r.Route("/licenses", func(r chi.Router) {
				r.Get("/", adminLicenseHandler.List)
				r.Post("/", adminLicenseHandler.Create)
				r.Get("/{id}", adminLicenseHandler.Get)
				r.Patch("/{id}", adminLicenseHandler.Patch)
				r.Post("/{id}/revoke", adminLicenseHandler.Revoke)
				r.Get("/{id}/config", adminLicenseHandler.ExportConfig)
				r.Get("/{id}/local", adminLicenseHandler.Local)
			})
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("server exited")
}
