package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/septivank/utility-billing/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewServer creates the HTTP server. It listens when the application starts
// and drains in-flight requests when it stops.
func NewServer(lc fx.Lifecycle, api *API, cfg *config.Config, logger *zap.Logger) *http.Server {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
			}
			logger.Info("http server started", zap.String("addr", server.Addr))
			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := server.Shutdown(ctx); err != nil {
				logger.Error("failed to shut down http server", zap.Error(err))
				return err
			}
			logger.Info("http server stopped")
			return nil
		},
	})

	return server
}
