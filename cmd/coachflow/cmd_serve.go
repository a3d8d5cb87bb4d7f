package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/coachflow/internal/sweeper"
	"github.com/aixgo-dev/coachflow/pkg/observability"
	"github.com/aixgo-dev/coachflow/pkg/session"
)

const limiterPruneInterval = 5 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session sweeper and the metrics/health server",
	Long: `Runs the background sweeper that abandons idle paused sessions and
expires overdue ones, and serves /metrics, /health/live and /health/ready.
SIGHUP reloads the topic catalog.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(shutdownCtx)
	}()

	sw, err := sweeper.New(a.store, cfg.Sweeper)
	if err != nil {
		return err
	}

	observability.InitMetrics()
	checker := observability.NewHealthChecker()
	checker.RegisterCheck(observability.StoreCheck(storePing(a.store)))
	checker.RegisterCheck(observability.ProvidersCheck(a.dispatcher.Names))
	checker.RegisterCheck(observability.CatalogCheck(a.activeTopics))
	checker.RegisterCheck(observability.SweeperCheck(sw.LastSweep, 3*sw.Interval()+time.Minute))
	server := observability.NewServer(cfg.Observability.MetricsAddr, checker)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Serving metrics and health on %s", cfg.Observability.MetricsAddr)
		return server.Start(gctx)
	})
	g.Go(func() error {
		return sw.Run(gctx)
	})
	g.Go(func() error {
		reloadOnHangup(gctx, a)
		return nil
	})
	if a.limiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(limiterPruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if n := a.limiter.Prune(); n > 0 {
						log.Printf("Pruned %d idle tenant rate limiters", n)
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Printf("Shutdown complete")
	return nil
}

func reloadOnHangup(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.catalog.Reload(); err != nil {
				log.Printf("Topic catalog reload failed: %v", err)
				continue
			}
			log.Printf("Reloaded topic catalog (%d topics)", len(a.catalog.List()))
		}
	}
}

// storePing checks the store with its own Ping when it has one, otherwise
// with a lookup that must come back as not found.
func storePing(store session.Store) func(context.Context) error {
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping
	}
	return func(ctx context.Context) error {
		_, err := store.GetByID(ctx, "health-check", "health-check")
		if err == nil || errors.Is(err, session.ErrSessionNotFound) {
			return nil
		}
		return err
	}
}
