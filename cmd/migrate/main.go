// cmd/migrate/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/unclebandit/skymail-dispatch/internal/config"
	"github.com/unclebandit/skymail-dispatch/internal/db"
	"github.com/unclebandit/skymail-dispatch/internal/logger"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migrations instead of migrating up")
	seed := flag.Bool("seed", false, "load the development fixtures after migrating")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logg := logger.New(cfg.LogLevel)

	pool, err := db.Open(context.Background(), cfg.DatabaseURL, logg)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	if *down > 0 {
		if err := db.Rollback(pool, *down); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Rolled back %d migration(s)\n", *down)
		return
	}

	if err := db.Migrate(pool); err != nil {
		log.Fatal(err)
	}
	fmt.Println("Migrations applied")

	if !*seed {
		return
	}

	seedFiles := []string{
		"seed/companies.sql",
		"seed/campaigns.sql",
	}

	for _, file := range seedFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatalf("failed to read %s: %v", file, err)
		}

		if _, err := pool.Exec(string(content)); err != nil {
			log.Fatalf("failed to execute %s: %v", file, err)
		}
		fmt.Printf("Seeded: %s\n", file)
	}

	fmt.Println("Database seeding completed successfully!")
}
