package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahaj/livechat/pkg/auth"
	"github.com/mahaj/livechat/pkg/broker"
	"github.com/mahaj/livechat/pkg/config"
	"github.com/mahaj/livechat/pkg/db"
	"github.com/mahaj/livechat/pkg/snowflake"
)

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // Allow all for dev, or specific origin
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// routes wires the public and protected endpoints.
func routes(issuer *auth.Issuer, store Store, online OnlineLister, send *SendHandler) *http.ServeMux {
	mux := http.NewServeMux()

	// Public endpoint
	mux.Handle("/login", CORSMiddleware(LoginHandler(issuer)))

	// Protected endpoints
	mux.Handle("/history", CORSMiddleware(issuer.Middleware(NewHistoryHandler(store))))
	mux.Handle("/conversations", CORSMiddleware(issuer.Middleware(ConversationsHandler(store))))
	mux.Handle("/conversations/read", CORSMiddleware(issuer.Middleware(ReadHandler(store))))
	mux.Handle("/online", CORSMiddleware(issuer.Middleware(OnlineHandler(online))))
	mux.Handle("/send", CORSMiddleware(issuer.Middleware(send)))
	return mux
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
	if err != nil {
		log.Fatalf("Failed to connect to ScyllaDB: %v", err)
	}
	defer session.Close()

	online := newRedisOnline(cfg.RedisAddr)
	defer online.Close()

	producer := broker.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()

	node, err := snowflake.NewNode(cfg.APINodeID)
	if err != nil {
		log.Fatalf("Failed to initialize snowflake node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: routes(auth.NewIssuer(cfg.JWTSecret), session, online, NewSendHandler(producer, node, cfg.SendRate)),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("API Service Starting on %s...", cfg.APIAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
