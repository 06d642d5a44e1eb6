// helper is the local companion process for the web app: it accepts session
// start/stop commands on the control port and drives the overlay on the
// overlay port.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/native-helper/helper/internal/app"
	"github.com/native-helper/helper/internal/config"
	"github.com/native-helper/helper/internal/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		controlPort int
		overlayPort int
		policy      string
		logLevel    string
		logFormat   string
	)

	flags := pflag.NewFlagSet("helper", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults apply when empty or missing)")
	flags.IntVar(&controlPort, "control-port", 0, "override server.control_port")
	flags.IntVar(&overlayPort, "overlay-port", 0, "override server.overlay_port")
	flags.StringVar(&policy, "on-start-while-active", "", "override session.on_start_while_active (restart or reject)")
	flags.StringVar(&logLevel, "log-level", "", "override log.level")
	flags.StringVar(&logFormat, "log-format", "", "override log.format (json or console)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if args := flags.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.Changed("control-port") {
		cfg.Server.ControlPort = controlPort
	}
	if flags.Changed("overlay-port") {
		cfg.Server.OverlayPort = overlayPort
	}
	if flags.Changed("on-start-while-active") {
		cfg.Session.OnStartWhileActive = policy
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log.Configure(log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := log.Base()
	if changes := config.Diff(config.Default(), cfg); len(changes) > 0 {
		logger.Info().Strs("changes", changes).Msg("configuration differs from defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
