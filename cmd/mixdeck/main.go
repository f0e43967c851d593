// Command mixdeck mixes WAV clips into a single raw PCM file. Each clip
// plays as its own source through the mixing engine; alternatively a delay
// schedule lays clip instances out on a timeline with intentional overlap.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MrWong99/mixdeck/internal/app"
	"github.com/MrWong99/mixdeck/internal/config"
	"github.com/MrWong99/mixdeck/internal/observe"
	"github.com/MrWong99/mixdeck/pkg/audio"
	"github.com/MrWong99/mixdeck/pkg/audio/player"
	"github.com/MrWong99/mixdeck/pkg/audio/repeat"
	"github.com/MrWong99/mixdeck/pkg/audio/wavclip"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	outPath := flag.String("out", "mix.pcm", "output file for raw interleaved PCM (\"-\" for stdout)")
	delaysFlag := flag.String("delays", "", "comma-separated delay schedule (e.g. 0ms,250ms,250ms); empty plays clips concurrently")
	modeFlag := flag.String("mode", "additive", "delay interpretation: additive or absolute")
	volume := flag.Float64("volume", 1.0, "per-source gain in [0, 1]")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: mixdeck [flags] clip.wav [clip.wav ...]")
		flag.PrintDefaults()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mixdeck: %v\n", err)
			return 1
		}
		cfg = config.Default()
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel.Level(),
	})))

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "mixdeck"})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	format := cfg.Engine.Format()
	slog.Info("mixdeck starting",
		"format", format.String(),
		"clips", flag.NArg(),
		"out", *outPath,
	)

	// ── Output sink ───────────────────────────────────────────────────────────
	var out io.Writer = os.Stdout
	if *outPath != "-" {
		f, err := os.Create(*outPath)
		if err != nil {
			slog.Error("create output file", "err", err)
			return 1
		}
		defer f.Close()
		out = f
	}
	var sinkMu sync.Mutex
	sink := func(chunk []byte) {
		sinkMu.Lock()
		defer sinkMu.Unlock()
		if _, err := out.Write(chunk); err != nil {
			slog.Error("write output", "err", err)
		}
	}

	// ── Load clips ────────────────────────────────────────────────────────────
	loadCtx, span := observe.StartSpan(ctx, "load clips")
	clips, err := wavclip.LoadAll(format, flag.Args()...)
	span.End()
	if err != nil {
		observe.Logger(loadCtx).Error("load clips", "err", err)
		return 1
	}

	// ── Playback session ──────────────────────────────────────────────────────
	sm := app.NewSessionManager(cfg, observe.DefaultMetrics())
	session, err := sm.Open(ctx, "cli", sink)
	if err != nil {
		slog.Error("open session", "err", err)
		return 1
	}
	defer func() {
		if err := sm.CloseAll(context.Background()); err != nil {
			slog.Warn("close session", "err", err)
		}
	}()

	var wg sync.WaitGroup
	if *delaysFlag != "" {
		delays, err := parseDelays(*delaysFlag)
		if err != nil {
			slog.Error("parse delays", "err", err)
			return 1
		}
		mode, err := parseMode(*modeFlag)
		if err != nil {
			slog.Error("parse mode", "err", err)
			return 1
		}
		stream, err := repeat.Schedule(format, clips, delays, mode)
		if err != nil {
			slog.Error("build schedule", "err", err)
			return 1
		}
		wg.Add(1)
		if _, err := session.Player.Add(player.Source{
			Stream:     stream,
			Volume:     *volume,
			Name:       "schedule",
			OnComplete: wg.Done,
		}); err != nil {
			slog.Error("add schedule", "err", err)
			return 1
		}
	} else {
		chunkBytes := format.ChunkBytes(session.Player.Engine().ChunkDuration())
		for i, clip := range clips {
			wg.Add(1)
			if _, err := session.Player.Add(player.Source{
				Stream:     audio.FromBytes(clip, chunkBytes),
				Volume:     *volume,
				Name:       flag.Arg(i),
				OnComplete: wg.Done,
			}); err != nil {
				slog.Error("add clip", "clip", flag.Arg(i), "err", err)
				return 1
			}
		}
	}

	// ── Wait for playback or a shutdown signal ────────────────────────────────
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("playback complete")
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
		session.Player.StopAll()
	}
	return 0
}

// parseDelays parses a comma-separated list of durations.
func parseDelays(s string) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	delays := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("delay %q: %w", p, err)
		}
		delays = append(delays, d)
	}
	return delays, nil
}

// parseMode maps the flag value to a schedule mode.
func parseMode(s string) (repeat.Mode, error) {
	switch s {
	case "additive":
		return repeat.ModeAdditive, nil
	case "absolute":
		return repeat.ModeAbsolute, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want additive or absolute)", s)
	}
}
