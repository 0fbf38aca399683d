package main

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"table-session/internal/microservices/gateway"
	"table-session/internal/microservices/tableapi"
)

func (a *app) serveAPICmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve-api",
		Short: "Run the table-api (QR lookup, menu, healthz)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port != 0 {
				a.cfg.API.Port = port
			}
			a.lg.Info("service_started", map[string]any{"service": "table-api", "port": a.cfg.API.Port})
			return tableapi.Start(cmd.Context(), a.cfg, a.lg.Named("table-api"))
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides api.port)")
	return cmd
}

func (a *app) serveGatewayCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve-gateway",
		Short: "Run the realtime WebSocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port != 0 {
				a.cfg.Gateway.Port = port
			}
			a.lg.Info("service_started", map[string]any{"service": "gateway", "port": a.cfg.Gateway.Port})
			return gateway.Start(cmd.Context(), a.cfg, a.lg.Named("gateway"))
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides gateway.port)")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the table-api and the gateway in one process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return tableapi.Start(ctx, a.cfg, a.lg.Named("table-api")) })
			g.Go(func() error { return gateway.Start(ctx, a.cfg, a.lg.Named("gateway")) })
			return g.Wait()
		},
	}
}
