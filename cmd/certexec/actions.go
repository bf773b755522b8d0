package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ucli "github.com/urfave/cli/v2"
	"go.dedis.ch/certexec"
	"go.dedis.ch/certexec/config"
	"go.dedis.ch/certexec/core/store/kv"
	"go.dedis.ch/certexec/core/types"
	"go.dedis.ch/certexec/internal/tracing"
	"golang.org/x/xerrors"
)

const shutdownTimeout = 10 * time.Second

// loadConfig reads the configuration file and applies the global flags.
func loadConfig(c *ucli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}

	dir := c.String("data-dir")
	if dir != "" {
		cfg.DataDir = dir
	}

	engine := c.String("engine")
	if engine != "" {
		cfg.Engine = kv.Engine(engine)
	}

	return cfg, nil
}

// withNode opens the node of the configuration for the duration of the
// action.
func withNode(cfg config.Config, fn func(*node) error) error {
	n, err := openNode(cfg)
	if err != nil {
		return err
	}

	err = fn(n)

	closeErr := n.Close()
	if err == nil {
		err = closeErr
	}

	return err
}

func startAction(c *ucli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	addr := c.String("metrics-addr")
	if addr != "" {
		cfg.MetricsAddr = addr
	}

	if c.Bool("tracing") {
		cfg.Tracing = true
	}

	if c.IsSet("recovery-limit") {
		cfg.RecoveryLimit = c.Int("recovery-limit")
	}

	if cfg.Tracing {
		err = tracing.Install("certexec")
		if err != nil {
			return xerrors.Errorf("failed to install tracer: %v", err)
		}

		defer tracing.CloseAll()
	}

	return withNode(cfg, func(n *node) error {
		recovered, err := n.state.ProcessTxRecoveryLog(c.Context, cfg.RecoveryLimit)
		if err != nil {
			return xerrors.Errorf("failed to recover: %v", err)
		}

		srv, err := serveMetrics(cfg.MetricsAddr)
		if err != nil {
			return err
		}

		fmt.Fprintf(c.App.Writer, "node started with %d transactions recovered, metrics on %s\n",
			recovered, srv.Addr)

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		<-ctx.Done()

		certexec.Logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err = srv.Shutdown(shutdownCtx)
		if err != nil {
			return xerrors.Errorf("failed to stop metrics server: %v", err)
		}

		return nil
	})
}

// serveMetrics registers the collectors of the packages and serves them on
// the address.
func serveMetrics(addr string) (*http.Server, error) {
	registry := prometheus.NewRegistry()

	for _, c := range certexec.PromCollectors {
		err := registry.Register(c)
		if err != nil {
			return nil, xerrors.Errorf("failed to register collector: %v", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("failed to listen on %s: %v", addr, err)
	}

	srv := &http.Server{
		Addr:    ln.Addr().String(),
		Handler: mux,
	}

	go func() {
		err := srv.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			certexec.Logger.Err(err).Msg("metrics server stopped")
		}
	}()

	return srv, nil
}

func recoverAction(c *ucli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	return withNode(cfg, func(n *node) error {
		recovered, err := n.state.ProcessTxRecoveryLog(c.Context, c.Int("limit"))
		if err != nil {
			return xerrors.Errorf("failed to recover: %v", err)
		}

		fmt.Fprintf(c.App.Writer, "%d transactions recovered\n", recovered)

		return nil
	})
}

func walListAction(c *ucli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	return withNode(cfg, func(n *node) error {
		entries, err := n.state.WAL().Entries()
		if err != nil {
			return err
		}

		for _, e := range entries {
			fmt.Fprintf(c.App.Writer, "%s\tretries=%d\tstate=%v\texecuted=%t\n",
				e.Digest.Hex(), e.Retries, e.State, e.Executed)
		}

		return nil
	})
}

func walRetryAction(c *ucli.Context) error {
	digest, err := types.DigestFromHex(c.String("digest"))
	if err != nil {
		return xerrors.Errorf("invalid digest: %v", err)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	return withNode(cfg, func(n *node) error {
		err := n.state.WAL().Retry(c.Context, digest)
		if err != nil {
			return xerrors.Errorf("failed to retry: %v", err)
		}

		fmt.Fprintf(c.App.Writer, "entry %v re-armed\n", digest)

		return nil
	})
}

func objectShowAction(c *ucli.Context) error {
	id, err := types.ObjectIDFromHex(c.String("id"))
	if err != nil {
		return xerrors.Errorf("invalid identifier: %v", err)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	return withNode(cfg, func(n *node) error {
		obj, err := n.state.GetObject(id)
		if err != nil {
			return err
		}

		fmt.Fprintf(c.App.Writer, "id=%s\nversion=%d\ndigest=%s\nowner=%v\nprevious=%s\ncontents=%x\n",
			obj.ID.Hex(), obj.Version, obj.Digest().Hex(), obj.Owner.Address,
			obj.PreviousTransaction.Hex(), obj.Contents)

		return nil
	})
}

func eventsAction(c *ucli.Context) error {
	digest, err := types.DigestFromHex(c.String("digest"))
	if err != nil {
		return xerrors.Errorf("invalid digest: %v", err)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	return withNode(cfg, func(n *node) error {
		if n.events == nil {
			return xerrors.New("event store is disabled")
		}

		records, err := n.events.ByTransaction(c.Context, digest)
		if err != nil {
			return err
		}

		for _, r := range records {
			fmt.Fprintf(c.App.Writer, "%d\t%s\t%v\t%x\n",
				r.Sequence, r.Event.Type, r.Event.Object, r.Event.Payload)
		}

		return nil
	})
}
