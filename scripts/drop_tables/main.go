package main

import (
	"context"
	"flag"
	"log"

	"github.com/mahaj/livechat/pkg/config"
	"github.com/mahaj/livechat/pkg/db"
)

func main() {
	confirm := flag.Bool("yes", false, "confirm that all chat data is dropped")
	flag.Parse()
	if !*confirm {
		log.Fatal("Refusing to drop tables without -yes")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
	if err != nil {
		log.Fatalf("Failed to connect to ScyllaDB: %v", err)
	}
	defer session.Close()

	log.Printf("Dropping tables in %s...", cfg.ScyllaKeyspace)
	if err := session.DropSchema(context.Background()); err != nil {
		log.Fatalf("Failed to drop tables: %v", err)
	}
	log.Println("Tables dropped successfully.")
}
