package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/grandcat/zeroconf"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"scriptroom/internal/identity"
	"scriptroom/internal/room"
	"scriptroom/internal/script"
	"scriptroom/internal/ws"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)
	if err := run(logger); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	addr := envOr("ADDR", ":8081")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("connected to redis", "addr", redisAddr)
	} else {
		logger.Info("no REDIS_ADDR set, running single-instance fan-out")
	}

	var store script.Store
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()
		pg := script.NewPGStore(pool)
		if err := pg.Init(ctx); err != nil {
			return fmt.Errorf("init postgres schema: %w", err)
		}
		store = pg
		logger.Info("connected to postgres")
	} else {
		mem := script.NewMemStore()
		if err := seedDemo(ctx, mem); err != nil {
			return err
		}
		store = mem
		logger.Info("no DATABASE_URL set, using in-memory store", "demoDocument", "demo")
	}

	hub := ws.NewHub(rdb, logger)
	defer hub.Close()
	coord := room.NewCoordinator(store, hub, logger)
	handler := ws.NewHandler(hub, coord, identity.HeaderProvider{}, logger)

	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, req)
			logger.Info("handled", "method", req.Method, "url", req.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Handle("/ws", handler)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if service := os.Getenv("MDNS_SERVICE"); service != "" {
		go advertise(ctx, logger, service, portOf(addr))
	}

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", "err", err)
		}
	}()
	logger.Info("scriptroom sync server listening", "addr", addr)

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	logger.Info("signal caught, shutting down", "sig", sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// advertise registers the sync service over mDNS so clients on the local
// network can discover it without configuration.
func advertise(ctx context.Context, logger *slog.Logger, service string, port int) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("scriptroom-%s", host),
		service,
		"local.",
		port,
		[]string{"proto=ws", "path=/ws"},
		nil,
	)
	if err != nil {
		logger.Error("mDNS registration failed", "service", service, "err", err)
		return
	}
	defer server.Shutdown()
	logger.Info("mDNS service registered", "service", service, "port", port)
	<-ctx.Done()
}

// seedDemo gives a fresh in-memory server one joinable document.
func seedDemo(ctx context.Context, store script.Store) error {
	return store.CreateDocument(ctx, &script.Document{
		ID:        "demo",
		Title:     "Demo Script",
		CreatorID: "dev",
		Editors:   []string{"alice", "bob"},
		Blocks: []script.Block{
			{
				ID:       "demo-heading",
				Type:     script.BlockHeading,
				Position: script.InitialPosition,
				Params:   &script.HeadingParams{Setting: "INT", Location: "WRITERS ROOM", TimeOfDay: "DAY"},
			},
			{
				ID:       "demo-description",
				Type:     script.BlockDescription,
				Position: script.InitialPosition + script.PositionGap,
				Params:   &script.DescriptionParams{Text: "Two writers stare at a blank whiteboard."},
			},
			{
				ID:       "demo-dialogue",
				Type:     script.BlockDialogue,
				Position: script.InitialPosition + 2*script.PositionGap,
				Params:   &script.DialogueParams{Character: "ALICE", Text: "So. Page one."},
			},
		},
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 8081
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 8081
	}
	return port
}
