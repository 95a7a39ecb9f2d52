package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/parleychat/parley/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	// Command line flags
	configPath := flag.String("config", "parley.toml", "Path to config file")
	host := flag.String("host", "", "Host to bind (overrides config)")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	httpPort := flag.Int("http-port", 0, "HTTP port for /metrics, /health and /ws (overrides config)")
	backupFile := flag.String("backup", "", "Path to the chat backup log (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Parley Server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found); env overrides
	// apply inside LoadConfig, flags override both below.
	config, err := server.LoadConfig(context.Background(), *configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *host != "" {
		config.Server.Host = *host
	}
	if *port != 0 {
		config.Server.Port = *port
	}
	if *httpPort != 0 {
		config.Server.HTTPPort = *httpPort
	}
	if *backupFile != "" {
		config.Chat.BackupFile = *backupFile
	}

	serverConfig := config.ToServerConfig()

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		server.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	srv.SetMetrics(server.NewMetrics())

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Parley server %s started successfully", Version)
	log.Printf("Chat: %s:%d", serverConfig.Host, serverConfig.Port)
	if serverConfig.HTTPPort > 0 {
		log.Printf("HTTP: %s:%d (/metrics, /health, ws://%s:%d/ws)",
			serverConfig.Host, serverConfig.HTTPPort, serverConfig.Host, serverConfig.HTTPPort)
	}
	log.Printf("Backup log: %s", serverConfig.BackupFile)
	if restored := srv.Registry().UserCount(); restored > 0 {
		log.Printf("Restored %d user(s) from snapshot", restored)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
