// apkforge is a single-node server that swaps an Android project's bundled
// web-asset package, drives the Gradle release build, streams its output
// live, and keeps every repository mutation snapshotted and reversible.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/apkforge/apkforge/internal/config"
	"github.com/apkforge/apkforge/internal/daemon"
	"github.com/apkforge/apkforge/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"apkforge.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct{} `cmd:"" help:"Run the build orchestration server"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Write a default configuration file"`

	Cleanup struct{} `cmd:"" help:"Run snapshot and task retention housekeeping once and exit"`

	Version struct{} `cmd:"" help:"Print the version"`
}

func main() {
	// .env is optional; environment overrides are applied during config load.
	_ = godotenv.Load()

	ctx := kong.Parse(&CLI)

	switch ctx.Command() {
	case "serve":
		if err := runServe(CLI.Config); err != nil {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	case "init":
		if err := config.Init(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", CLI.Config)
	case "cleanup":
		if err := runCleanup(CLI.Config); err != nil {
			slog.Error("Cleanup failed", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version.String())
	}
}

func setupLogging(cfg *config.Config) {
	level, err := config.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	config.LogLevel.Set(level)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &config.LogLevel})))
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	d, err := daemon.New(cfg, configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Start(ctx); err != nil {
		return err
	}

	slog.Info("Server started, waiting for shutdown signal")
	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return d.Stop(stopCtx)
}

func runCleanup(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	d, err := daemon.New(cfg, "")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	removed, deleted, err := d.RunHousekeeping(ctx, cfg.Retention.TaskRetention)
	if err != nil {
		return err
	}
	slog.Info("Housekeeping finished", "snapshots_removed", removed, "tasks_deleted", deleted)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return d.Stop(stopCtx)
}
