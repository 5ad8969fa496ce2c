package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roomchat/internal/config"
	"github.com/roomchat/internal/handler"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/middleware"
	"github.com/roomchat/internal/moderation"
	"github.com/roomchat/internal/presence"
	"github.com/roomchat/internal/push"
	"github.com/roomchat/internal/startup"
	"github.com/roomchat/internal/store/postgres"
	"github.com/roomchat/internal/ws"
	"github.com/roomchat/migrations"
)

func main() {
	logger.SetPrefix("rooms")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	logger.Info("starting rooms service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	st := postgres.New(pool)

	var pres presence.Store
	if cfg.Redis.URL != "" {
		presCtx, presCancel := context.WithTimeout(context.Background(), 5*time.Second)
		rs, err := presence.NewRedis(presCtx, cfg.Redis.URL)
		presCancel()
		if err != nil {
			logger.Errorf("redis presence: %v", err)
			os.Exit(1)
		}
		pres = rs
		logger.Info("redis presence connected")
	} else {
		pres = presence.NewMemory()
		logger.Info("using in-memory presence store")
	}
	defer pres.Close()

	keys, err := push.EnsureVAPIDKeys("")
	if err != nil {
		logger.Errorf("VAPID keys unavailable: %v (pushes disabled)", err)
		keys = nil
	}
	notifier := push.NewNotifier(st, keys, "roomchat-rooms")
	if !notifier.Enabled() {
		logger.Info("web push disabled (no VAPID keys)")
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(st, pres, cfg.MaxWSConnections, notifier)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	mod := moderation.New(st, hub)
	roomH := handler.NewRoomHandler(st, mod, hub)
	userH := handler.NewUserHandler(st)
	pushH := handler.NewPushHandler(st, notifier)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Do not compress WebSocket traffic: a compressed ResponseWriter does
	// not implement http.Hijacker and the upgrade fails with 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/push/vapid-public", pushH.VAPIDPublic)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity)
		r.Put("/api/users/me", userH.UpsertMe)
		r.Get("/api/users/{userID}", userH.GetUser)
		r.Post("/api/rooms", roomH.CreateRoom)
		r.Get("/api/rooms", roomH.ListRooms)
		r.Get("/api/rooms/{roomID}", roomH.GetRoom)
		r.Post("/api/rooms/{roomID}/join", roomH.JoinRoom)
		r.Get("/api/rooms/{roomID}/messages", roomH.ListMessages)
		r.Get("/api/rooms/{roomID}/participants", roomH.ListParticipants)
		r.Get("/api/rooms/{roomID}/actions", roomH.ListActions)
		r.Post("/api/rooms/{roomID}/kick", roomH.KickUser)
		r.Post("/api/rooms/{roomID}/close", roomH.CloseRoom)
		r.Post("/api/rooms/{roomID}/reopen", roomH.ReopenRoom)
		r.Post("/api/rooms/{roomID}/clear", roomH.ClearMessages)
		r.Put("/api/rooms/{roomID}/notice", roomH.UpdateNotice)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// splitOrigins turns the comma-separated CORS config into the list the
// cors middleware expects. The WebSocket origin check parses the same
// string, so both surfaces honor the same config.
func splitOrigins(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "roomchat"
		password = "roomchat_secret"
		database = "roomchat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
