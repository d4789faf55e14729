package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sebas/callbridge/internal/banner"
	"github.com/sebas/callbridge/internal/bridge/app"
	"github.com/sebas/callbridge/internal/bridge/config"
	"github.com/sebas/callbridge/internal/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Initialize logger
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	bridge, err := app.New(cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to create callbridge", "error", err)
		os.Exit(1)
	}
	defer bridge.Close()

	banner.Print(os.Stdout, "callbridge", bannerLines(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bridge.Run(ctx); err != nil {
		slog.Error("Callbridge stopped", "error", err)
		return
	}
	slog.Info("Received signal, shut down")
}

func bannerLines(cfg *config.Config) []banner.ConfigLine {
	switches := make([]string, 0, len(cfg.Switches))
	for _, sw := range cfg.Switches {
		switches = append(switches, sw.Name+"@"+sw.Addr)
	}
	events := "log"
	if cfg.NATSURL != "" {
		events = cfg.NATSURL
	}
	return []banner.ConfigLine{
		{Label: "Outbound socket", Value: cfg.ListenAddr},
		{Label: "Connect back", Value: cfg.OutboundAddr},
		{Label: "Switches", Value: strings.Join(switches, ", ")},
		{Label: "HTTP API", Value: cfg.APIAddr},
		{Label: "gRPC health", Value: cfg.HealthAddr},
		{Label: "Answer URL", Value: cfg.DefaultAnswerURL},
		{Label: "Events", Value: events},
		{Label: "Log level", Value: cfg.LogLevel},
	}
}
