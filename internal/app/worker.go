package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	clierr "github.com/ggonzalez94/solswap/internal/errors"
)

func (s *runtimeState) newWorkerCommand() *cobra.Command {
	var noMetrics bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the alert poller and periodic swap reconciliation until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return s.runWorker(ctx, !noMetrics)
		},
	}
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "Do not serve /metrics")
	return cmd
}

func (s *runtimeState) runWorker(ctx context.Context, serveMetrics bool) error {
	log := s.svc.log
	poller, err := s.svc.poller(ctx)
	if err != nil {
		return err
	}
	reconciler, err := s.svc.reconciler(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poller.Run(ctx)
	})
	g.Go(func() error {
		reconciler.Interval(ctx, s.settings.ReconcileInterval)
		return nil
	})
	if serveMetrics && s.settings.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.svc.metrics.Handler())
		chain, err := s.svc.rpc()
		if err != nil {
			return err
		}
		mux.Handle("/healthz", healthHandler(s.svc.store, chain))
		srv := &http.Server{Addr: s.settings.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("serving metrics", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return clierr.Wrap(clierr.CodeInternal, "metrics server", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("worker started",
		zap.Duration("alert_interval", s.settings.AlertInterval),
		zap.Duration("reconcile_interval", s.settings.ReconcileInterval))
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("worker stopped")
	return s.emitSuccess("worker", map[string]any{"status": "stopped"}, nil, cacheMetaBypass(), nil, false)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type nodeHealth interface {
	GetHealth(ctx context.Context) error
}

// healthHandler reports 503 when either the store or the RPC node is down.
func healthHandler(store pinger, chain nodeHealth) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := chain.GetHealth(r.Context()); err != nil {
			http.Error(w, "rpc node unhealthy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
}
