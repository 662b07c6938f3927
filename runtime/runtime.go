package runtime

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/InsulaLabs/quire/config"
	"github.com/InsulaLabs/quire/origin"
	"github.com/InsulaLabs/quire/relay"
	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

var ErrNothingToRun = errors.New("at least one of --relay or --origin must be enabled")

// Runtime manages the execution of quired, handling configuration,
// signal processing, and the lifecycle of the relay and origin services.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	cfg        *config.Config
	configFile string
	runRelay   bool
	runOrigin  bool
	rawArgs    []string

	currentLogLevel slog.Level

	group *errgroup.Group
}

// New parses flags, loads the configuration and installs the signal handler.
// With --new-cfg it writes a generated configuration and exits.
func New(args []string, defaultConfigFile string) (*Runtime, error) {

	r := &Runtime{
		rawArgs:         args,
		currentLogLevel: slog.LevelInfo,
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "quiredRuntime")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
		r.appCancel()
	}()

	var genConfigFile string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the configuration file.")
	fs.BoolVar(&r.runRelay, "relay", true, "Run the relay.")
	fs.BoolVar(&r.runOrigin, "origin", true, "Run the origin document server.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new configuration file to a given path.")

	if err := fs.Parse(r.rawArgs); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		if err := writeGeneratedConfig(genConfigFile); err != nil {
			return nil, err
		}
		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		os.Exit(0)
	}

	if !r.runRelay && !r.runOrigin {
		fs.Usage()
		return nil, ErrNothingToRun
	}

	var err error
	r.cfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	r.currentLogLevel = ParseLevel(r.cfg.Logging.Level)
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.currentLogLevel,
	})).With("service", "quiredRuntime")

	return r, nil
}

// ParseLevel maps a configured level name to a slog level. Unknown names warn
// and fall back to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", level)
		return slog.LevelInfo
	}
}

func writeGeneratedConfig(path string) error {
	yamlData, err := yaml.Marshal(config.GenerateConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal generated config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for config file %s: %w", path, err)
		}
	}

	if err := os.WriteFile(path, yamlData, 0644); err != nil {
		return fmt.Errorf("failed to write generated configuration to %s: %w", path, err)
	}
	return nil
}

// Run starts the enabled services. A service that fails cancels the others.
func (r *Runtime) Run() error {
	var ctx context.Context
	r.group, ctx = errgroup.WithContext(r.appCtx)

	if r.runRelay {
		rl, err := relay.New(ctx, r.logger, &r.cfg.Relay)
		if err != nil {
			r.appCancel()
			return fmt.Errorf("failed to create relay: %w", err)
		}
		r.group.Go(rl.Run)
	}

	if r.runOrigin {
		srv, err := origin.Open(ctx, r.logger, &r.cfg.Origin)
		if err != nil {
			r.appCancel()
			return fmt.Errorf("failed to open origin: %w", err)
		}
		r.group.Go(srv.Run)
	}

	r.logger.Info("Runtime started", "relay", r.runRelay, "origin", r.runOrigin, "config", r.configFile)
	return nil
}

// Wait blocks until every service has stopped.
func (r *Runtime) Wait() error {
	if r.group == nil {
		return nil
	}
	err := r.group.Wait()
	r.appCancel()
	r.logger.Info("Runtime shutdown complete")
	return err
}

// Stop cancels the application context.
func (r *Runtime) Stop() {
	r.appCancel()
}
