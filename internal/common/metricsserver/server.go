// Package metricsserver runs the Prometheus scrape endpoint on its own
// listener, separate from client traffic.
package metricsserver

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Handler is implemented by the metrics collector.
type Handler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

// Start creates and starts the metrics HTTP server. Returns nil when
// metrics are disabled.
func Start(enabled bool, listen, path string, handler Handler, logger *zap.Logger) *fasthttp.Server {
	if !enabled {
		logger.Info("Metrics collection disabled")
		return nil
	}

	srv := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) == path {
				handler.ServeHTTP(ctx)
				return
			}
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetBodyString("Not Found")
		},
		Name:               "tilegate-metrics",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 1024,
		Concurrency:        100,
	}

	go func() {
		logger.Info("Metrics server listening",
			zap.String("listen", listen),
			zap.String("path", path))
		if err := srv.ListenAndServe(listen); err != nil {
			logger.Error("Metrics server stopped",
				zap.String("listen", listen),
				zap.Error(err))
		}
	}()

	return srv
}
