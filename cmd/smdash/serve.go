package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashutosh27ind/sagemaker-dashboards-for-ml/gateway"
)

var (
	serveAddr    string
	serveTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP/WebSocket gateway the dashboard calls",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := a.deployer(cmd.Context())
		if err != nil {
			return err
		}
		shutdown, err := gateway.InitTracer(cmd.Context(), "smdash-gateway", version)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("tracer shutdown")
			}
		}()

		srv := gateway.NewServer(gateway.Config{
			Addr:          serveAddr,
			Endpoint:      a.cfg.EndpointName,
			InvokeTimeout: serveTimeout,
		}, d, a.component("gateway"))
		return srv.ListenAndServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().DurationVar(&serveTimeout, "invoke-timeout", 60*time.Second, "per-request endpoint timeout")
	rootCmd.AddCommand(serveCmd)
}
