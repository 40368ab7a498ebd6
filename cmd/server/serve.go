package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/taskpulse/backend/internal/auth"
	"github.com/taskpulse/backend/internal/config"
	"github.com/taskpulse/backend/internal/logging"
	"github.com/taskpulse/backend/internal/metrics"
	"github.com/taskpulse/backend/internal/mock"
	"github.com/taskpulse/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		port     int
		mockMode bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket and admin HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg, mockMode)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override server port")
	cmd.Flags().BoolVar(&mockMode, "mock", false, "Generate synthetic notification traffic")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func newVerifier(cfg *config.Config, logger *log.Logger) (auth.Verifier, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty, every session will be anonymous")
		return nil, nil
	}
	v, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})
	if err != nil {
		return nil, err
	}
	return auth.WithTimeout(v, cfg.Auth.VerifyTimeout), nil
}

func serve(ctx context.Context, cfg *config.Config, mockMode bool) error {
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	log.SetDefault(logger)

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := ws.NewHub(verifier,
		ws.WithLogger(logger),
		ws.WithMetrics(metrics.New(reg)),
		ws.WithMaxSessions(cfg.Server.MaxSessions),
		ws.WithReadReceipt(func(identity, id string) {
			logger.Info("notification read", "identity", identity, "notification", id)
		}),
	)

	server := ws.NewServer(hub, ws.ServerOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AdminToken:     cfg.Server.AdminToken,
		Transport: ws.TransportConfig{
			PingInterval:    cfg.Transport.PingInterval,
			PongTimeout:     cfg.Transport.PongTimeout,
			WriteTimeout:    cfg.Transport.WriteTimeout,
			AuthWait:        cfg.Transport.AuthWait,
			MaxMessageBytes: cfg.Transport.MaxMessageBytes,
			SendQueueSize:   cfg.Transport.SendQueueSize,
			OverflowPolicy:  cfg.OverflowPolicy(),
		},
		Gatherer: reg,
		Logger:   logger,
	})
	if cfg.Server.AdminToken == "" {
		logger.Warn("server.admin_token is empty, the admin API is unauthenticated")
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if mockMode {
		gen := mock.NewGenerator(hub, cfg.Mock.Interval, cfg.Mock.Projects)
		gen.SetLogger(logger)
		logger.Info("starting in mock mode", "interval", cfg.Mock.Interval, "projects", cfg.Mock.Projects)
		g.Go(func() error { return gen.Run(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Shutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
