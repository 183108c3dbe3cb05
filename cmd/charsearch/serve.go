package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/charsearch/charsearch/pkg/config"
	"github.com/charsearch/charsearch/pkg/mid"
)

func newServeCmd(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON query API",
		Long: `Serve text search, image search and enrichment over HTTP:

  POST /v1/search/text    {"text": "...", "top_k": 6, "threshold": 0.2, "enrich": true}
  POST /v1/search/image   raw image body or multipart "image"; ?top_k=&threshold=&enrich=
  POST /v1/enrich         {"hits": [...]}
  GET  /healthz
  GET  /metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port > 0 {
				a.cfg.HTTP.Port = port
			}
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides http.port)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	c, err := a.core(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	h := &api{q: c, log: a.log, maxUpload: a.cfg.HTTP.MaxUploadBytes}
	handler := mid.Chain(newRouter(h, a.metrics, a.cfg.HTTP.CORSOrigin), mid.OTel("charsearch"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.HTTP.Port),
		Handler:      handler,
		ReadTimeout:  config.Seconds(a.cfg.HTTP.ReadTimeoutSec),
		WriteTimeout: config.Seconds(a.cfg.HTTP.WriteTimeoutSec),
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("api server starting", zap.String("addr", srv.Addr), zap.String("model", c.ModelName()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), config.Seconds(a.cfg.HTTP.ShutdownSec))
	defer cancel()
	return srv.Shutdown(shutCtx)
}
