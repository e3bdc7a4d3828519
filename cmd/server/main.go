package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"clinic-sim-engine/internal/config"
	"clinic-sim-engine/internal/generator"
	"clinic-sim-engine/internal/platform/logger"
	"clinic-sim-engine/internal/report"
	"clinic-sim-engine/internal/session"
	"clinic-sim-engine/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logg.Sync()

	// 1. Infrastructure
	local, err := storage.OpenLocal(cfg.LocalDBPath)
	if err != nil {
		logg.Fatal("open local store", "path", cfg.LocalDBPath, "error", err)
	}
	defer local.Close()

	var remote storage.Remote
	if cfg.DatabaseURL != "" {
		var db *sql.DB
		for i := 0; i < 10; i++ {
			db, err = sql.Open("postgres", cfg.DatabaseURL)
			if err == nil {
				err = db.Ping()
			}
			if err == nil {
				break
			}
			logg.Info("waiting for remote db", "attempt", i+1)
			time.Sleep(2 * time.Second)
		}
		if err != nil {
			logg.Warn("remote db unreachable, running local-only", "error", err)
		} else {
			m, err := migrate.New(cfg.Migrations, cfg.DatabaseURL)
			if err != nil {
				logg.Warn("migration init failed", "error", err)
			} else if err := m.Up(); err != nil && err != migrate.ErrNoChange {
				logg.Warn("migration up failed", "error", err)
			} else {
				logg.Info("migrations applied")
			}
			remote = storage.NewRemoteStore(db)
		}
	} else {
		logg.Info("no DATABASE_URL set, cloud sync disabled")
	}

	// 2. Clients
	if cfg.GeminiAPIKey == "" {
		logg.Warn("GEMINI_API_KEY is not set, case generation will fail until configured")
	}
	genClient := generator.NewClient(cfg.GeminiAPIKey, logg)

	// 3. Services
	gateway := storage.NewGateway(local, remote, logg)
	engine := session.NewEngine(genClient, gateway, logg)
	if err := engine.Start(context.Background()); err != nil {
		logg.Fatal("load profile", "error", err)
	}
	handler := session.NewHandler(engine, report.NewService())

	// 4. Router
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// CORS for the presentation layer
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
			if r.Method == http.MethodOptions {
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/api", func(r chi.Router) {
		session.RegisterRoutes(r, handler)
	})

	logg.Info("server starting", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logg.Fatal("server stopped", "error", err)
	}
}
