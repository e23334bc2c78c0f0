// minotari-payment-processor accepts payment submissions over HTTP, groups
// them into batches, and drives each batch through unsigned-transaction
// creation, external signing, broadcast and confirmation against a base
// node. All pipeline state lives in the database, so the process can be
// restarted at any point.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/tari-project/minotari-payment-processor/api"
	"github.com/tari-project/minotari-payment-processor/config"
	"github.com/tari-project/minotari-payment-processor/metrics"
	"github.com/tari-project/minotari-payment-processor/node"
	"github.com/tari-project/minotari-payment-processor/receiver"
	"github.com/tari-project/minotari-payment-processor/store"
	"github.com/tari-project/minotari-payment-processor/worker"
)

const metricsNamespace = "minotari_payment_processor"

func main() {
	log.Root().SetHandler(log.LvlFilterHandler(log.LvlInfo,
		log.StreamHandler(os.Stderr, log.TerminalFormat(true))))

	app := cli.NewApp()
	app.Name = "minotari-payment-processor"
	app.Usage = "Batches payments into on-chain transactions and sees them through to confirmation"
	app.Flags = config.CLIFlags()
	app.Action = func(ctx *cli.Context) error {
		cfg := config.ReadConfig(ctx)
		if err := cfg.Check(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return run(cfg, log.Root())
	}

	if err := app.Run(os.Args); err != nil {
		log.Crit("application failed", "err", err)
	}
}

type service interface {
	Start(ctx context.Context) error
}

func run(cfg config.Config, l log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	l.Info("database initialized")

	baseNode, err := node.NewClient(cfg.BaseNode, cfg.NetworkTimeout)
	if err != nil {
		return err
	}
	paymentReceiver := receiver.NewClient(cfg.PaymentReceiver, cfg.NetworkTimeout)
	m := metrics.NewMetrics(metricsNamespace)

	services := []service{
		worker.NewBatchCreator(st, l, m, cfg.BatchCreatorInterval),
		worker.NewUnsignedTxCreator(st, paymentReceiver, l, m, cfg.UnsignedTxCreatorInterval),
		worker.NewTransactionSigner(st, cfg.ConsoleWalletPath, cfg.ConsoleWalletPassword, l, m, cfg.TransactionSignerInterval),
		worker.NewBroadcaster(st, baseNode, l, m, cfg.BroadcasterInterval),
		worker.NewConfirmationChecker(st, baseNode, l, m, cfg.ConfirmationCheckerInterval),
	}

	srv := &http.Server{
		Addr: net.JoinHostPort(cfg.ListenIP, fmt.Sprintf("%d", cfg.ListenPort)),
		Handler: api.NewServer(st, l, m).Handler(map[string]http.Handler{
			"GET /metrics": m.Handler(),
		}),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error { return svc.Start(gctx) })
	}
	g.Go(func() error {
		l.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		l.Info("shutting down")
		return srv.Shutdown(context.Background())
	})

	var result *multierror.Error
	result = multierror.Append(result, g.Wait())
	result = multierror.Append(result, st.Close())
	return result.ErrorOrNil()
}
