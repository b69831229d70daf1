package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"baseband-service/internal/config"
	"baseband-service/internal/service"
)

var version = "dev" // set with -ldflags "-X main.version=..."

func main() {
	cfg := config.New()
	showVersion := flag.Bool("version", false, "Print version and exit")
	printBoard := flag.Bool("print-board", false, "Print the effective board profile and exit")
	cfg.Parse()

	if *showVersion {
		fmt.Printf("baseband-service %s\n", version)
		return
	}

	if *printBoard {
		if err := dumpBoard(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "baseband-service: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// journald adds its own timestamps
	logger := log.New(os.Stdout, "baseband-service: ", log.LstdFlags|log.Lmsgprefix)
	if os.Getenv("JOURNAL_STREAM") != "" {
		logger = log.New(os.Stdout, "", 0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(cfg, logger, version)
	if err != nil {
		logger.Fatalf("Failed to create service: %v", err)
	}

	if err := svc.Run(ctx); err != nil {
		logger.Fatalf("Service failed: %v", err)
	}
	logger.Printf("baseband-service stopped")
}

func dumpBoard(cfg *config.Config) error {
	board, err := cfg.LoadBoard()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(board)
}
