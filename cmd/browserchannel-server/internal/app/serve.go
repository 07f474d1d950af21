package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mturcotte/browserchannel"
	"github.com/mturcotte/browserchannel/cmd/browserchannel-server/internal/config"
	"github.com/mturcotte/browserchannel/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the BrowserChannel server",
	Long: `Start the BrowserChannel HTTP server with the given configuration.

Examples:
  # Start with default config location
  browserchannel-server serve

  # Start with a custom config file
  browserchannel-server serve --config /etc/browserchannel-server.yaml

  # Override configuration with an environment variable
  BCS_LOGGING_LEVEL=debug browserchannel-server serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	sugar := log.Sugar()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	sessionMetrics := metrics.NewSessionMetrics(reg)

	handlerCfg := browserchannel.Config{
		Base:                   cfg.Channel.Base,
		HostPrefixes:           cfg.Channel.HostPrefixes,
		KeepAliveInterval:      cfg.Channel.KeepAliveInterval,
		SessionTimeoutInterval: cfg.Channel.SessionTimeoutInterval,
		MaxBufferedOffsets:     cfg.Channel.MaxBufferedOffsets,
		NewSessionRateLimit:    cfg.Channel.NewSessionRateLimit,
		NewSessionBurst:        cfg.Channel.NewSessionBurst,
	}

	onConnect := func(s *browserchannel.Session) {
		sugar.Infow("session connected", "session_id", s.ID(), "address", s.Address())
	}

	bc := browserchannel.NewHandler(handlerCfg, onConnect, nil, sugar)
	bc.Registry().SetMetricsSink(browserchannel.NewMetricsSink(
		sessionMetrics.RecordCreated,
		sessionMetrics.RecordClosed,
		sessionMetrics.RecordArraySent,
		sessionMetrics.RecordArrayAcked,
		sessionMetrics.RecordHeartbeat,
	))

	router := newRouter(bc, reg, cfg.Metrics, sugar)

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		sugar.Infow("listening", "addr", cfg.Server.Addr, "base", cfg.Channel.Base)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		sugar.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Unblock any hanging back-channel GETs before the listener stops
		// accepting new ones, so Shutdown doesn't have to wait the full
		// session timeout for each one to notice the context is done.
		bc.Registry().CloseAll("Server shutting down")

		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		sugar.Errorw("server stopped with error", "error", err)
		return err
	}
	sugar.Info("server stopped")
	return nil
}

func newRouter(bc *browserchannel.Handler, reg *prometheus.Registry, metricsCfg config.MetricsConfig, log *zap.SugaredLogger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestIDHeader)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if metricsCfg.Enabled {
		r.Handle(metricsCfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Mount(bc.BasePath(), bc)

	return r
}

// requestIDHeader stamps every response with an X-Request-Id generated
// independently of chi's own counter-based RequestID, for correlation
// with logs shipped outside this process.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs request completion at INFO (WARN for 4xx, ERROR for
// 5xx responses), including the hanging back-channel GETs this server mostly
// serves -- their duration is the interesting signal, not their status.
func requestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := middleware.GetReqID(r.Context())

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []any{
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
			}
			if ww.Status() >= 500 {
				log.Errorw("request completed", fields...)
			} else if ww.Status() >= 400 {
				log.Warnw("request completed", fields...)
			} else {
				log.Infow("request completed", fields...)
			}
		})
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level

	return zcfg.Build()
}
