package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the aggregation HTTP API",
		Long: `Starts an HTTP server exposing POST /v1/aggregate, POST /v1/discover, the
run history under /v1/runs, health probes and Prometheus metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd, func(rt *runtime, svc Service) error {
				srv := &http.Server{
					Addr:              net.JoinHostPort(host, strconv.Itoa(rt.cfg.Server.Port)),
					Handler:           svc.Handler(),
					ReadHeaderTimeout: 5 * time.Second,
				}
				return serve(cmd.Context(), srv, rt.logger)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&host, "host", "", "interface to listen on (default: all)")
	flags.Int("port", 0, "port to listen on")
	flags.String("api-key", "", "key required in X-API-Key on /v1 routes")
	return cmd
}

// serve runs srv until ctx is canceled, then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		logger.Info("shutdown complete")
		return nil
	})
	return g.Wait()
}
