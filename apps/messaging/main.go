package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mahaj/livechat/pkg/config"
	"github.com/mahaj/livechat/pkg/db"
)

const groupID = "messaging-service-group"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Note: In production, schema creation should be handled by migration tools
	if err := db.CreateKeyspace(cfg.ScyllaHosts, cfg.ScyllaKeyspace); err != nil {
		log.Fatalf("Failed to create keyspace: %v", err)
	}

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
	if err != nil {
		log.Fatalf("Failed to connect to ScyllaDB: %v", err)
	}
	defer session.Close()

	if err := session.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to create schema: %v", err)
	}

	consumer := NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, groupID, session)
	defer consumer.Close()

	log.Println("Starting Kafka Consumer...")
	consumer.Consume(ctx)
}
