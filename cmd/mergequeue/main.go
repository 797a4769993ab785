package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/drewdunne/mergequeue/internal/config"
	"github.com/drewdunne/mergequeue/internal/controller"
	"github.com/drewdunne/mergequeue/internal/event"
	"github.com/drewdunne/mergequeue/internal/logging"
	"github.com/drewdunne/mergequeue/internal/poller"
	"github.com/drewdunne/mergequeue/internal/registry"
	"github.com/drewdunne/mergequeue/internal/server"
	"github.com/drewdunne/mergequeue/internal/store"
	"github.com/drewdunne/mergequeue/internal/store/memory"
	"github.com/drewdunne/mergequeue/internal/store/sqlite"
	"github.com/joho/godotenv"
)

var version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Printf("mergequeue v%s\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: mergequeue <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the webhook server")
	fmt.Println("  version  Print version information")
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to config file")
	envFile := fs.String("env-file", "", "Path to .env file (optional)")
	fs.Parse(args)

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Printf("Warning: could not load env file %s: %v", *envFile, err)
		}
	} else {
		godotenv.Load(".env")
		godotenv.Load("/etc/mergequeue/mergequeue.env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	reg := registry.New(cfg)
	ctrl := controller.New(st).WithAuditLog(logging.NewWriter(cfg.Logging.Dir))
	router := event.NewRouter(cfg, ctrl, reg, st)
	srv := server.New(cfg, router, reg, st)

	cleaner := logging.NewCleaner(cfg.Logging.Dir, cfg.Logging.RetentionDays)
	cleanupScheduler := logging.NewCleanupScheduler(cleaner, 24*time.Hour)
	cleanupScheduler.Start()
	defer cleanupScheduler.Stop()

	p := poller.New(ctrl, reg, poller.NewConfigResolver(cfg, reg, st), cfg.Queue.PollInterval(), cfg.Queue.Timeouts())
	p.Start()
	defer p.Stop()

	log.Printf("Starting mergequeue server on %s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := srv.ListenAndServeWithShutdown(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return sqlite.Open(context.Background(), cfg.DSN)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
