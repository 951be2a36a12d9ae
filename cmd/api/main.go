package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PortNumber53/pegasus/internal/auth"
	"github.com/PortNumber53/pegasus/internal/config"
	"github.com/PortNumber53/pegasus/internal/handlers"
	"github.com/PortNumber53/pegasus/internal/middleware"
	"github.com/PortNumber53/pegasus/internal/payments"
	"github.com/PortNumber53/pegasus/internal/reconcile"
	"github.com/PortNumber53/pegasus/internal/store"
	"github.com/PortNumber53/pegasus/internal/workers"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
)

func main() {
	if err := run(defaultDeps()); err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			log.Fatalf("[Config] %v", cfgErr)
		}
		log.Fatal(err)
	}
}

type deps struct {
	loadConfig     func() (*config.Config, error)
	openDB         func(driverName, dataSourceName string) (*sql.DB, error)
	migrateUp      func(db *sql.DB, sourceURL string) error
	listenAndServe func(*http.Server) error
	notify         func(c chan<- os.Signal, sig ...os.Signal)
	// stopCh replaces signal delivery in tests.
	stopCh chan os.Signal
}

func defaultDeps() deps {
	return deps{
		loadConfig:     config.Load,
		openDB:         sql.Open,
		migrateUp:      migrateUp,
		listenAndServe: func(s *http.Server) error { return s.ListenAndServe() },
		notify:         signal.Notify,
	}
}

func run(d deps) error {
	if d.loadConfig == nil {
		return errors.New("loadConfig dependency is required")
	}
	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	if d.openDB == nil {
		return errors.New("openDB dependency is required")
	}
	if d.listenAndServe == nil {
		return errors.New("listenAndServe dependency is required")
	}

	db, err := d.openDB("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if d.migrateUp != nil {
		if err := d.migrateUp(db, cfg.MigrationsPath); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
		log.Println("Database is up-to-date")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := newApp(cfg, db)

	worker := &workers.ReconcileWorker{Job: app.reconciler, Interval: cfg.ReconcileInterval}
	go worker.Start(rootCtx)
	go app.limiter.RunSweeper(rootCtx, time.Minute)

	srv := &http.Server{
		Handler:      app.handler,
		Addr:         ":" + resolvePort(cfg),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	stop := d.stopCh
	if stop == nil {
		stop = make(chan os.Signal, 1)
		if d.notify != nil {
			d.notify(stop, os.Interrupt, syscall.SIGTERM)
		}
	}

	go func() {
		select {
		case <-stop:
		case <-rootCtx.Done():
			return
		}
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on %s", srv.Addr)
	if err := d.listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Println("Server stopped")
	return nil
}

type app struct {
	handler    http.Handler
	limiter    *middleware.RateLimiter
	reconciler *reconcile.Reconciler
}

// newApp wires the clients, the router and the middleware chain
// cors -> rate limit -> access guard -> router.
func newApp(cfg *config.Config, db *sql.DB) *app {
	st := store.New(db)

	pay := payments.NewClient(payments.Options{
		SecretKey:     cfg.StripeSecretKey,
		TestSecretKey: cfg.StripeTestSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	})

	provider := auth.NewProvider(cfg.AuthURL, cfg.AuthAnonKey, cfg.AuthJWTSecret, cfg.SiteOrigin()+"/auth/callback")
	sessions := auth.NewSessions(provider, strings.HasPrefix(cfg.SiteURL, "https://"))
	rec := reconcile.New(st)

	h := handlers.New(handlers.Deps{
		Store:      st,
		Payments:   pay,
		Auth:       provider,
		Sessions:   sessions,
		Reconciler: rec,
		Ping:       db.PingContext,
	}, handlers.Config{
		SiteURL:               cfg.SiteOrigin(),
		PaymentsWebhookSecret: cfg.PaymentsWebhookSecret,
		OperatorToken:         cfg.OperatorToken,
		SignInURL:             provider.AuthCodeURL("pegasus", "google"),
		EnvPresence:           cfg.Presence(),
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	guard := middleware.NewAccessGuard(sessions, st)

	return &app{
		handler:    buildHandler(cfg, buildRouter(h), guard, limiter),
		limiter:    limiter,
		reconciler: rec,
	}
}

func buildRouter(h *handlers.Handler) *mux.Router {
	r := mux.NewRouter()
	handlers.RegisterRoutes(h, r)
	return r
}

func buildHandler(cfg *config.Config, router http.Handler, guard *middleware.AccessGuard, limiter *middleware.RateLimiter) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Signature", "Stripe-Signature"},
		AllowCredentials: true,
	})
	return c.Handler(limiter.Middleware(guard.Middleware(router)))
}

func resolvePort(cfg *config.Config) string {
	if cfg == nil || strings.TrimSpace(cfg.Port) == "" {
		return "18911"
	}
	return strings.TrimSpace(cfg.Port)
}

func migrateUp(db *sql.DB, sourceURL string) error {
	if db == nil {
		return errors.New("migrateUp: nil db")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
