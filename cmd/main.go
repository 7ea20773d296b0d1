package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/livepoll/realtime/internal/config"
	"github.com/livepoll/realtime/internal/logging"
	"github.com/livepoll/realtime/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Load .env failed: %v", err)
	}

	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	flush, err := logging.Setup(c.Log)
	if err != nil {
		log.Fatalf("Setup logging failed: %v", err)
	}
	defer flush()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		slog.Error("main: init server failed", "error", err)
		os.Exit(1)
	}

	go s.Start()

	<-shutdown
	s.Shutdown()
}

func loadConfig() (server.Config, error) {
	c := server.DefaultConfig()

	p := os.Getenv("CONFIG_PATH")
	if p == "" {
		return c, fmt.Errorf("CONFIG_PATH not set")
	}

	if err := config.Load(p, &c, config.WithEnvPrefix("LIVEPOLL")); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	return c, nil
}
