// Package main - main.go
//
// Process entry point: load config, set up logging, wire the bridge,
// executor, perception, orchestrator, and API server, then run until
// interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	trainDir := flag.String("train", "", "train the rank model from this sample directory and exit")
	trainOut := flag.String("train-out", "rank_model.json", "output path for the trained rank model")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("config load failed")
	}
	snapshot := cfg.Snapshot()

	ring := NewLogRing(snapshot.Logging.LogSize)
	setupLogging(snapshot.Logging, ring)

	if *trainDir != "" {
		runTrainer(*trainDir, *trainOut)
		return
	}

	bridge := NewAdbBridge(snapshot.Adb)
	if !bridge.Available() {
		log.Warn().Msg("adb binary not found, device operations will fail until one is installed")
	}

	executor := NewActionExecutor(bridge)
	vision := NewVisionAnalyzer(snapshot.Vision)
	defer vision.Close()

	bus := NewEventBus()
	bot := NewOrchestrator(cfg, bridge, executor, vision, bus)
	server := NewServer(cfg, bridge, executor, bot, vision, bus, ring)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if snapshot.Bot.AutoStart {
		go func() {
			// give adb a moment to settle before the first device listing
			time.Sleep(time.Second)
			if res := bot.Start(""); !res.OK {
				log.Warn().Str("reason", res.Message).Msg("auto-start failed")
			}
		}()
	}

	if err := server.Run(ctx); err != nil {
		log.Error().Err(err).Msg("api server failed")
	}

	if state := bot.State(); state == BotRunning || state == BotPaused {
		bot.Stop()
	}
	log.Info().Msg("shutdown complete")
}

func setupLogging(cfg LoggingConfig, ring *LogRing) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger().Hook(ring)
}

func runTrainer(dir, out string) {
	clf, err := TrainRankClassifier(dir, DefaultTrainOptions())
	if err != nil {
		log.Fatal().Err(err).Str("dir", dir).Msg("training failed")
	}
	if err := clf.Save(out); err != nil {
		log.Fatal().Err(err).Str("path", out).Msg("model save failed")
	}
	log.Info().Str("path", out).Msg("rank model written")
}
