// Package main implements the unified kestrel binary.
// This binary can run the full pipeline (ingest, correlation, persistence,
// query) concurrently or individual services based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/kestrelsense/kestrel/internal/app"
	"github.com/kestrelsense/kestrel/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpIngest  string
		httpQuery   string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, engine, query")
	flag.StringVar(&httpIngest, "http-ingest", "", "HTTP address for the event ingest API")
	flag.StringVar(&httpQuery, "http-query", "", "HTTP address for the record query API")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Kestrel - Event Correlation & Consolidation Engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: kestrel [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  kestrel --data-dir /data/kestrel\n")
		fmt.Fprintf(os.Stderr, "  kestrel --mode engine --data-dir /data/kestrel\n")
		fmt.Fprintf(os.Stderr, "  kestrel --config /etc/kestrel/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  KESTREL_MODE            Service mode (all, engine, query)\n")
		fmt.Fprintf(os.Stderr, "  KESTREL_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  KESTREL_HTTP_*_ADDR     HTTP addresses for services\n")
		fmt.Fprintf(os.Stderr, "  KESTREL_ARCHIVE_TYPE    Archive backend (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("kestrel version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := loadConfig(configFile, dataDir, mode, httpIngest, httpQuery)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Block until SIGTERM, SIGINT, or context cancellation. The shutdown
	// manager drains in-flight requests and closes the HTTP servers.
	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	if err := application.Stop(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode, httpIngest, httpQuery string) (*config.Config, error) {
	// A .env file in the working directory supplements the environment.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to load .env: %v", err)
	}

	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpIngest != "" {
		cfg.HTTP.IngestAddr = httpIngest
	}
	if httpQuery != "" {
		cfg.HTTP.QueryAddr = httpQuery
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("╔═══════════════════════════════════════════════════════════╗")
	log.Printf("║                       KESTREL                             ║")
	log.Printf("║        Event Correlation & Consolidation Engine           ║")
	log.Printf("╚═══════════════════════════════════════════════════════════╝")
	log.Printf("")
	log.Printf("Configuration:")
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("")

	if cfg.ShouldRunEngine() {
		log.Printf("Engine Service:")
		log.Printf("  HTTP: %s", cfg.HTTP.IngestAddr)
		log.Printf("  Correlation window: %v, cooldown: %v",
			cfg.Correlation.Window, cfg.Trigger.Cooldown)
		if cfg.Archive.Enabled {
			log.Printf("  Archive: %s", cfg.Archive.Type)
		}
	}

	if cfg.ShouldRunQuery() {
		log.Printf("Query Service:")
		log.Printf("  HTTP: %s", cfg.HTTP.QueryAddr)
	}

	log.Printf("")
}
