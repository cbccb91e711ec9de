package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"pulse/checker"
	"pulse/config"
	"pulse/handler"
	"pulse/hub"
	"pulse/maint"
	"pulse/model"
	"pulse/scheduler"
	"pulse/status"
	"pulse/store"
)

var Version = "dev"

func main() {
	cfg := config.Load()

	// Database
	db, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		log.Fatalf("migration: %v", err)
	}

	// Seed services
	if cfg.SeedFile != "" {
		services, err := model.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			log.Fatalf("seed file: %v", err)
		}
		created, err := db.UpsertSeed(context.Background(), services)
		if err != nil {
			log.Fatalf("seed upsert: %v", err)
		}
		log.Printf("seeded %d services from %s (%d created)", len(services), cfg.SeedFile, created)
	}

	// WebSocket hub
	allowedOrigins := []string{"http://localhost:5173", "http://localhost:3000"}
	if cfg.AllowedOrigins != "" {
		for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	ws := hub.New(hub.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatMisses:   cfg.HeartbeatMisses,
		SendBuffer:        cfg.SendBuffer,
		AllowedOrigins:    allowedOrigins,
	})
	go ws.Run()

	// Status aggregator
	agg := status.New(db, hub.Events{Hub: ws}, status.Options{
		FailureThreshold: cfg.FailureThreshold,
		UptimeWindow:     cfg.UptimeWindow,
	})
	if states, err := db.LoadServiceStates(context.Background()); err != nil {
		log.Printf("WARNING: restore states: %v", err)
	} else {
		agg.Restore(states)
	}

	// Scheduler
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(db, checker.NewExecutor(), agg, hub.Events{Hub: ws}, scheduler.Options{
		TickInterval:  cfg.TickInterval,
		MaxConcurrent: cfg.MaxConcurrent,
	})
	go sched.Run(ctx)

	// Maintenance
	jobs := maint.New(db, cfg.Retention)
	if err := jobs.Schedule(cfg.PruneSchedule); err != nil {
		log.Fatalf("prune schedule: %v", err)
	}
	jobs.Start()
	defer jobs.Stop()

	// Handler
	h := handler.New(db, ws, agg, sched)

	// Router
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	if cfg.APIToken != "" {
		r.Use(bearerAuth(cfg.APIToken))
		log.Println("API token auth enabled")
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"version": Version})
		})

		r.Get("/stats", h.Stats)
		r.Get("/services", h.ListServices)
		r.Post("/services", h.CreateService)

		r.Route("/services/{id}", func(r chi.Router) {
			r.Use(handler.ValidateServiceID)
			r.Get("/", h.GetService)
			r.Delete("/", h.DeleteService)
			r.Post("/check", h.TriggerCheck)
			r.Post("/pause", h.PauseService)
			r.Post("/resume", h.ResumeService)
		})
	})

	r.Get("/ws", ws.HandleConnect)

	srv := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Printf("pulse %s listening on %s:%s", Version, cfg.BindAddr, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.URL.Path == "/ws" {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(auth[7:]), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
