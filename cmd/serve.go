package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"warden/bootstrap"
)

func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its HTTP and NATS intake",
		Long: `Start the detection engine. Events are accepted on the HTTP API and, when
nats.enabled is set, from the configured NATS subject. Runs until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			app, err := bootstrap.NewApp(ctx, bootstrap.Options{ConfigPath: configFile, Version: version})
			if err != nil {
				return err
			}
			if err := app.Start(ctx); err != nil {
				app.Shutdown()
				return err
			}
			app.WaitForShutdown()
			app.Shutdown()
			return nil
		},
	}
}
