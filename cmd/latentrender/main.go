package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/bridge"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/generator"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/inputs"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/orchestrator"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/output"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/rendererr"
	"github.com/e7canasta/orion-care-sensor/modules/latent-render/internal/status"
)

const (
	defaultConfigPath = "config/render.yaml"
	shutdownTimeout   = 5 * time.Second
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	outputPath := flag.String("output", "", "Output file (overrides output.path)")
	dryRun := flag.Bool("dry-run", false, "Render with the in-process test generator instead of the model process")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting latent render",
		"config", *configPath,
		"dry_run", *dryRun,
		"debug", *debug,
	)

	os.Exit(run(*configPath, *outputPath, *dryRun))
}

func run(configPath, outputOverride string, dryRun bool) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 2
	}
	if outputOverride != "" {
		cfg.Output.Path = outputOverride
	}

	in, err := inputs.Load(cfg.Inputs.File)
	if err != nil {
		slog.Error("failed to load inputs", "error", err)
		return 2
	}

	out, err := output.Path(cfg.Output.Path, cfg.Output.Dir)
	if err != nil {
		slog.Error("failed to prepare output", "error", err)
		return 2
	}

	// Cancel the render on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen, closeGen, err := startGenerator(ctx, cfg, dryRun)
	if err != nil {
		slog.Error("failed to start generator", "error", err)
		return 1
	}
	defer closeGen()

	renderer := orchestrator.New(gen)

	// Start status HTTP server (non-blocking)
	if cfg.Status.Listen != "" {
		srv := status.New(cfg.Status.Listen, renderer)
		if err := srv.Start(); err != nil {
			slog.Error("failed to start status server", "error", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("status server shutdown", "error", err)
			}
		}()
	}

	res, err := renderer.Render(ctx, buildJob(cfg, in, out))
	if err != nil {
		logFailure(err)
		return 1
	}

	slog.Info("render finished",
		"output", res.Output,
		"frames", res.Frames,
		"elapsed", res.Elapsed,
	)
	return 0
}

// startGenerator launches the model process, or the in-process fake for a
// dry run. The returned func releases it.
func startGenerator(ctx context.Context, cfg *config.Config, dryRun bool) (generator.Generator, func(), error) {
	if dryRun {
		w, h := cfg.Resolution().Dimensions()
		return generator.NewFake(w, h, *cfg.Noise.MaxLayer+1), func() {}, nil
	}

	gen, err := bridge.Start(ctx, bridge.Config{
		Command:     cfg.Generator.Command,
		Args:        cfg.Generator.Args,
		Dir:         cfg.Generator.Dir,
		CallTimeout: cfg.CallTimeout(),
	})
	if err != nil {
		return nil, nil, err
	}
	return gen, func() {
		st := gen.Stats()
		slog.Info("model process stats", "calls", st.Calls, "avg_latency", st.AvgLatency)
		if err := gen.Close(); err != nil {
			slog.Warn("model process close", "error", err)
		}
	}, nil
}

func logFailure(err error) {
	var (
		stall    *rendererr.StallError
		mismatch *rendererr.ShapeMismatchError
		proc     *rendererr.ExternalProcessError
	)
	switch {
	case errors.As(err, &stall):
		slog.Error("render stalled", "stage", stall.Stage, "waited", stall.Waited, "seen", stall.Seen, "expected", stall.Expected)
	case errors.As(err, &mismatch):
		slog.Error("render inputs do not line up", "what", mismatch.What, "want", mismatch.Want, "got", mismatch.Got)
	case errors.As(err, &proc):
		slog.Error("encoder failed", "command", proc.Command, "exit_code", proc.ExitCode, "stderr", proc.Stderr)
	case errors.Is(err, context.Canceled):
		slog.Warn("render cancelled")
	default:
		slog.Error("render failed", "error", err)
	}
}
