package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/oxyrun/internal/config"
	"github.com/Iron-Ham/oxyrun/internal/dev"
	"github.com/Iron-Ham/oxyrun/internal/devlock"
	"github.com/Iron-Ham/oxyrun/internal/errors"
	"github.com/Iron-Ham/oxyrun/internal/event"
	"github.com/Iron-Ham/oxyrun/internal/sandbox"
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run the dev server",
	Long: `Build the project, serve it in a local worker sandbox, and rebuild on
every change. Connected browsers are patched in place when only route
modules changed, and reloaded otherwise.`,
	Args: cobra.NoArgs,
	RunE: runDev,
}

func init() {
	defaults := config.Default()
	flags := devCmd.Flags()
	flags.String("host", defaults.Dev.Host, "interface to listen on")
	flags.Int("port", defaults.Dev.Port, "port to listen on (0 picks a free port)")
	flags.Bool("live-reload", defaults.Dev.LiveReload, "push updates to connected browsers")
	flags.Int("inspector-port", defaults.Runtime.InspectorPort, "enable the debugger on this port")
	flags.String("tunnel-host", "", "public host forwarding to the dev server")

	_ = viper.BindPFlag("dev.host", flags.Lookup("host"))
	_ = viper.BindPFlag("dev.port", flags.Lookup("port"))
	_ = viper.BindPFlag("dev.live_reload", flags.Lookup("live-reload"))
	_ = viper.BindPFlag("runtime.inspector_port", flags.Lookup("inspector-port"))
	_ = viper.BindPFlag("dev.tunnel_host", flags.Lookup("tunnel-host"))

	rootCmd.AddCommand(devCmd)
}

func runDev(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	defer p.logger.Close()
	cfg := p.cfg

	lock, err := devlock.Acquire(p.logDir(), p.root, p.logger)
	if err != nil {
		return err
	}
	defer lock.Release()

	sourceMaps, err := event.NewSourceMapResolver(cfg.Runtime.SourceMapCacheSize)
	if err != nil {
		return fmt.Errorf("failed to create source map cache: %w", err)
	}

	backend := &sandbox.ServerBackend{
		Engine: &sandbox.ProcessEngine{
			Command:      cfg.Runtime.Command,
			InspectArgs:  nodeInspectArgs,
			StartTimeout: cfg.Runtime.StartTimeout(),
			StopTimeout:  cfg.Runtime.StopTimeout(),
			Stdout:       cmd.OutOrStdout(),
			Stderr:       cmd.ErrOrStderr(),
			Logger:       p.logger,
		},
		Logger: p.logger,
	}

	var tunnel dev.TunnelProvider
	if cfg.Dev.TunnelHost != "" {
		tunnel = dev.StaticTunnel{PublicHost: cfg.Dev.TunnelHost, Patterns: cfg.Dev.TunnelDomains}
	}

	orch := dev.New(dev.Options{
		Root:           p.root,
		AppDir:         cfg.Project.AppDir,
		PublicDir:      cfg.Project.PublicDir,
		ClientDir:      cfg.Build.ClientDir,
		BundlePath:     cfg.Build.BundlePath,
		Host:           cfg.Dev.Host,
		Port:           cfg.Dev.Port,
		InspectorPort:  cfg.Runtime.InspectorPort,
		LiveReload:     cfg.Dev.LiveReload,
		Build:          p.buildConfig(cmd.OutOrStdout(), cmd.ErrOrStderr()),
		CodegenCommand: cfg.Dev.CodegenCommand,
		CodegenConfig:  cfg.Dev.CodegenConfig,
		Env:            p.resolver(),
		Backend:        backend,
		SourceMaps:     sourceMaps,
		Tunnel:         tunnel,
		Out:            cmd.OutOrStdout(),
		Logger:         p.logger,
		OnError: func(err error) {
			fmt.Fprintln(cmd.ErrOrStderr(), formatDevError(err))
		},
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return orch.Run(ctx)
}

// formatDevError renders an error reported while the dev server keeps
// running. Internal errors point at the log instead of leaking details.
func formatDevError(err error) string {
	if !errors.IsUserFacing(err) {
		return "Error: an internal dev server error occurred; run 'oxyrun logs --level error' for details"
	}
	msg := "Error: " + err.Error()
	if errors.IsRetryable(err) {
		msg += "\nThe previous build keeps serving; save a file to retry."
	}
	return msg
}
