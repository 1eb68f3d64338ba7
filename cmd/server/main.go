package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"spacerelay/internal/auth"
	"spacerelay/internal/call"
	"spacerelay/internal/config"
	"spacerelay/internal/logging"
	"spacerelay/internal/metrics"
	"spacerelay/internal/relay/redisbus"
	"spacerelay/internal/relay/server"
)

func main() {
	cfg := config.Load()
	log := logging.New("spacerelay", cfg.LogLevel)
	defer log.Sync()

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redisbus.NewClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	publisher := redisbus.NewPublisher(rdb, log)
	subscriber := redisbus.NewSubscriber(rdb, log)

	hub := server.NewHub([]byte(cfg.JWTSecret), publisher, log)
	go hub.Run(ctx)
	go func() {
		if err := subscriber.Run(ctx, hub.Deliveries); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("bus subscription ended", zap.Error(err))
		}
	}()

	members := auth.NewRedisMembershipStore(rdb)
	authorizer := auth.NewAuthorizer([]byte(cfg.JWTSecret), members, cfg.GrantTTL, log)
	calls := call.NewManager(publisher, log)

	api := &api{
		cfg:        cfg,
		authorizer: authorizer,
		publisher:  publisher,
		calls:      calls,
		members:    members,
		log:        log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		server.ServeWS(hub, []byte(cfg.JWTSecret), cfg.SendBuffer, log, w, r)
	})
	mux.HandleFunc("POST /relay/auth", api.handleAuth)
	mux.HandleFunc("POST /relay/publish", api.handlePublish)
	mux.HandleFunc("POST /spaces/join", api.handleJoinSpace)
	mux.HandleFunc("POST /spaces/leave", api.handleLeaveSpace)
	mux.HandleFunc("POST /calls/start", api.handleCallStart)
	mux.HandleFunc("POST /calls/accept", api.handleCallAccept)
	mux.HandleFunc("POST /calls/signal", api.handleCallSignal)
	mux.HandleFunc("POST /calls/end", api.handleCallEnd)
	mux.HandleFunc("POST /calls/leave", api.handleCallLeave)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("relay server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
}
