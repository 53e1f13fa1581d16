package main

import (
	"context"
	"log"

	"github.com/mahaj/livechat/pkg/config"
	"github.com/mahaj/livechat/pkg/db"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := db.CreateKeyspace(cfg.ScyllaHosts, cfg.ScyllaKeyspace); err != nil {
		log.Fatal(err)
	}

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
	if err != nil {
		log.Fatalf("Failed to connect to ScyllaDB: %v", err)
	}
	defer session.Close()

	if err := session.EnsureSchema(context.Background()); err != nil {
		log.Fatal(err)
	}
	log.Printf("Keyspace %s ready", cfg.ScyllaKeyspace)
}
