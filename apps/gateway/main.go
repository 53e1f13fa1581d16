package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/livechat/pkg/auth"
	"github.com/mahaj/livechat/pkg/broker"
	"github.com/mahaj/livechat/pkg/config"
	"github.com/mahaj/livechat/pkg/snowflake"
)

func main() {
	f, err := os.OpenFile("gateway.log", os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening file: %v", err)
	}
	defer f.Close()
	log.SetOutput(f)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	producer := broker.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic)

	// Unique group per instance so every gateway sees every event.
	consumer := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic,
		GroupID:     "gateway-" + uuid.NewString(),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     100 * time.Millisecond,
	})

	// NODE_ID must differ between gateway instances.
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		log.Fatalf("Failed to initialize snowflake node: %v", err)
	}

	presence := newRedisPresence(cfg.RedisAddr)
	defer presence.Close()

	hub := NewHub(producer, presence, node)
	go hub.Run(ctx)
	go hub.Consume(ctx, consumer)

	mux := http.NewServeMux()
	mux.Handle("/ws", &wsHandler{
		hub:        hub,
		issuer:     auth.NewIssuer(cfg.JWTSecret),
		sendRate:   cfg.SendRate,
		typingRate: cfg.TypingRate,
	})
	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Gateway Service Starting on %s...", cfg.GatewayAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
