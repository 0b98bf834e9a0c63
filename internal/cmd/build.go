package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/oxyrun/internal/bundler"
	"github.com/Iron-Ham/oxyrun/internal/errors"
	"github.com/Iron-Ham/oxyrun/internal/pipeline"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the client and server bundles once",
	Long: `Run the client build, then the server build once the client build
succeeded. The server build never starts after a failed client build.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	defer p.logger.Close()

	coord := pipeline.NewCoordinator(pipeline.WithLogger(p.logger))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
	}()

	b := bundler.New(p.buildConfig(cmd.OutOrStdout(), cmd.ErrOrStderr()), coord, nil, p.logger)
	res := b.Build(cmd.Context())
	if err := res.Err(); err != nil {
		return buildFailure(err)
	}

	elapsed := res.Server.Settled.Sub(res.Client.Started).Round(time.Millisecond)
	fmt.Fprintf(cmd.OutOrStdout(), "Build finished in %s\n", elapsed)
	return nil
}

// buildFailure names the stage that stopped the build.
func buildFailure(err error) error {
	switch {
	case errors.Is(err, errors.ErrClientBuildFailed):
		return errors.Wrap(err, "client build failed, server build skipped")
	case errors.Is(err, errors.ErrServerBuildFailed):
		return errors.Wrap(err, "server build failed")
	default:
		return err
	}
}
