package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coppicelabs/relay/serve"
)

func newServeCmd(envFile *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := wireApp(cmd, *envFile)
			if err != nil {
				return err
			}
			defer app.close()

			if addr == "" {
				addr = app.conf.Addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := serve.New(app.orch, app.mgr, serve.Config{Addr: addr})
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}
