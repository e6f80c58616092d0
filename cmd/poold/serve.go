// serve.go - HTTP daemon lifecycle
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shieldpool/internal/api"
	"shieldpool/internal/attestor"
	"shieldpool/internal/config"
	"shieldpool/internal/prover"
	"shieldpool/internal/remote"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pool HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override api.listen")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	log := rt.logs.App

	node := remote.NewNode(cfg.Node.ID, cfg.Node.Peers, time.Duration(cfg.Node.Timeout), log)
	if cfg.Attestor.Enabled {
		key, err := loadAttestorKey(cfg.Attestor.KeyFile)
		if err != nil {
			return err
		}
		svc, err := attestor.New(attestor.Options{
			Key:          key,
			KeyCacheSize: cfg.Verifier.KeyCacheSize,
			Metrics:      rt.metrics,
			Log:          log.With().Str("component", "attestor").Logger(),
		})
		if err != nil {
			return err
		}
		remote.ServeAttestor(node, svc)
		log.Info().Hex("public_key", svc.PublicKey()).Msg("attestor enabled")
	}
	if cfg.Prover.Enabled {
		p, err := prover.New(cfg.KeyDir, rt.metrics, log.With().Str("component", "prover").Logger())
		if err != nil {
			return err
		}
		remote.ServeProver(node, p)
		log.Info().Msg("prover enabled")
	}

	health := api.NewHealthChecker(version)
	health.RegisterComponent("engine", func(context.Context) error { return rt.engine.Healthy() })
	health.RegisterComponent("store", rt.store.Ping)
	health.RegisterComponent("peers", func(context.Context) error {
		for id := range cfg.Node.Peers {
			if !node.Healthy(id) {
				return &api.DegradedError{Reason: "peer " + id + " unreachable"}
			}
		}
		return nil
	})

	auth, err := api.NewAuthenticator(time.Duration(cfg.API.MaxClockSkew))
	if err != nil {
		return err
	}
	limiter := api.NewOwnerLimiter(cfg.API.RequestsPerSecond, cfg.API.Burst)
	gin.SetMode(gin.ReleaseMode)
	server, err := api.New(api.Options{
		Engine:         rt.engine,
		Auth:           auth,
		Limiter:        limiter,
		Health:         health,
		Metrics:        rt.metrics,
		Gatherer:       rt.registry,
		Node:           node,
		RequestTimeout: time.Duration(cfg.API.RequestTimeout),
		Log:            log,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.API.Listen).Msg("serving")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return httpServer.Shutdown(shutdown)
	})
	g.Go(func() error {
		every := time.Duration(cfg.Node.HealthEvery)
		if every <= 0 {
			every = 30 * time.Second
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			if len(cfg.Node.Peers) > 0 {
				node.HealthCheck(ctx)
			}
			if n := limiter.Prune(10 * time.Minute); n > 0 {
				log.Debug().Int("owners", n).Msg("pruned idle rate limiters")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}
