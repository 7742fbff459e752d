package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"jurywatch/config"
	"jurywatch/disputes"
	"jurywatch/ledger"
	"jurywatch/observability"
	"jurywatch/observability/logging"
	telemetry "jurywatch/observability/otel"
	"jurywatch/querycache"
	"jurywatch/server"
	"jurywatch/storage"
)

const serviceName = "jurywatchd"

func main() {
	cfgPath := flag.String("config", "jurywatch.yaml", "path to jurywatchd configuration (YAML or TOML)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.SetupWithOptions(serviceName, cfg.Env, cfg.LogOptions())
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("jurywatchd exited", "error", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.TelemetryConfig(serviceName))
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	metrics := observability.Orchestrator()
	contracts := cfg.Contracts()

	logger.Info("dialing ledger", "rpc", logging.MaskURL(cfg.Ledger.RPCURL), "chain_id", cfg.Ledger.ChainID)
	client, err := ledger.Dial(ctx, cfg.Ledger.RPCURL)
	if err != nil {
		return fmt.Errorf("dial ledger: %w", err)
	}
	defer client.Close()

	gateway, err := ledger.NewEVMGateway(client, contracts,
		ledger.WithReadLimit(cfg.Ledger.ReadsPerSecond, cfg.Ledger.ReadBurst),
		ledger.WithGatewayLogger(logger),
		ledger.WithGatewayMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("ledger gateway: %w", err)
	}
	subscriber, err := ledger.NewEVMSubscriber(client, contracts, logger)
	if err != nil {
		return fmt.Errorf("ledger subscriber: %w", err)
	}

	cache := querycache.New(
		querycache.WithStaleAfter(cfg.Cache.StaleAfter),
		querycache.WithLogger(logger),
		querycache.WithMetrics(metrics),
	)
	defer cache.Close()

	reads, err := disputes.NewReads(gateway, cache, disputes.WithReadsLogger(logger))
	if err != nil {
		return err
	}
	sessions, err := disputes.NewSessionManager(subscriber, gateway, contracts,
		disputes.WithManagerLogger(logger),
		disputes.WithManagerMetrics(metrics),
	)
	if err != nil {
		return err
	}
	defer sessions.CloseAll()

	opts := server.Options{
		Reads:             reads,
		Sessions:          sessions,
		PaymentTokens:     cfg.PaymentTokens(),
		CountdownTick:     cfg.Countdown.Tick,
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Burst:             cfg.HTTP.Burst,
		Logger:            logger,
		Metrics:           metrics,
	}

	var journal disputes.Journal
	if cfg.Audit.Path != "" {
		audit, err := storage.OpenAuditLog(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer audit.Close()
		journal = audit
		opts.Journal = audit
		logger.Info("mutation journal enabled", "path", cfg.Audit.Path)
	}

	if cfg.ReadOnly() {
		logger.Warn("no signer configured; serving read-only")
	} else {
		tx, err := ledger.NewEVMTransactor(client, contracts, cfg.ChainID(), cfg.Signer.Key, cfg.Ledger.ReceiptPoll, logger)
		if err != nil {
			return fmt.Errorf("ledger transactor: %w", err)
		}
		opts.Voter, err = disputes.NewVoter(reads, tx,
			disputes.WithVoterJournal(journal),
			disputes.WithVoterLogger(logger),
			disputes.WithVoterMetrics(metrics),
		)
		if err != nil {
			return err
		}
		opts.Opener, err = disputes.NewOpener(gateway, tx, contracts,
			disputes.WithOpenerJournal(journal),
			disputes.WithOpenerLogger(logger),
			disputes.WithOpenerMetrics(metrics),
			disputes.WithOpenerReads(reads),
		)
		if err != nil {
			return err
		}
		logger.Info("signer loaded", "address", tx.From().Hex(), "signer", cfg.Signer)
	}

	srv, err := server.New(opts)
	if err != nil {
		return err
	}
	handler := srv.Handler()
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(handler, serviceName)
	}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("jurywatchd listening", "addr", cfg.Listen, "read_only", cfg.ReadOnly())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
