package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openassembly/gov-portal/internal/adapter"
	"github.com/openassembly/gov-portal/internal/blocktime"
	"github.com/openassembly/gov-portal/internal/config"
	"github.com/openassembly/gov-portal/internal/domain"
	"github.com/openassembly/gov-portal/internal/logger"
	"github.com/openassembly/gov-portal/internal/messaging"
	"github.com/openassembly/gov-portal/internal/providers/governor"
	"github.com/openassembly/gov-portal/internal/providers/jetstream"
	"github.com/openassembly/gov-portal/internal/store"
)

// watcherName keys the block cursor row for this binary.
const watcherName = "governor"

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadWatcherConfig(*configFile, *envPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize logger with sentry integration
	err = logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags: map[string]string{
			"service": "governor-event-watcher",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting Governor Event Watcher")

	// Connect to database
	db, err := store.Open(cfg.Database.DSN(),
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to connect to database", zap.Error(err), zap.String("host", cfg.Database.Host))
	}
	logger.InfoCtx(ctx, "Connected to database")

	cursorStore := store.NewCursorStore(db)

	// Initialize adapters
	clockAdapter := adapter.NewClock()
	jsonAdapter := adapter.NewJSON()
	natsJS := adapter.NewNatsJetStream()

	// Initialize ethereum client over the websocket endpoint, live log
	// subscriptions need it
	ethDialer := adapter.NewEthClientDialer()
	adapterEthClient, err := ethDialer.Dial(ctx, cfg.Ethereum.WebSocketURL)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to dial Ethereum WebSocket", zap.Error(err), zap.String("websocket_url", cfg.Ethereum.WebSocketURL))
	}
	defer adapterEthClient.Close()

	// Initialize read-only governor client
	resolver := blocktime.New(adapterEthClient, clockAdapter, cfg.Ethereum.BlockTimePoolSize)
	governorClient, err := governor.NewClient(governor.Config{
		GovernorAddress: cfg.Ethereum.GovernorAddress,
		TokenAddress:    cfg.Ethereum.TokenAddress,
		StartBlock:      cfg.Ethereum.StartBlock,
		ChainID:         big.NewInt(cfg.Ethereum.ChainID),
	}, adapterEthClient, clockAdapter, resolver)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create governor client", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Connected to governor", zap.String("governor", cfg.Ethereum.GovernorAddress))

	// Initialize NATS publisher
	natsPublisher, err := jetstream.NewPublisher(
		ctx,
		jetstream.Config{
			URL:            cfg.NATS.URL,
			StreamName:     cfg.NATS.StreamName,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectionName: cfg.NATS.ConnectionName,
		}, natsJS, jsonAdapter)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create NATS publisher", zap.Error(err), zap.String("url", cfg.NATS.URL))
	}
	defer natsPublisher.Close()
	logger.InfoCtx(ctx, "Connected to NATS JetStream")

	// Resume from the stored cursor, falling back to the configured start
	fromBlock, err := cursorStore.GetBlockCursor(ctx, watcherName)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to read block cursor", zap.Error(err))
	}
	if fromBlock == 0 {
		fromBlock = cfg.Ethereum.StartBlock
	}
	logger.InfoCtx(ctx, "Resuming from block", zap.Uint64("from_block", fromBlock))

	// Each governor event becomes a change notice and advances the cursor
	handler := func(ctx context.Context, event domain.GovernorEvent) error {
		notice := messaging.ChangeNotice{
			Kind:      messaging.NoticeProposalsChanged,
			HeadBlock: event.BlockNumber,
			EmittedAt: clockAdapter.Now(),
		}
		if err := natsPublisher.PublishChange(ctx, notice); err != nil {
			return err
		}
		return cursorStore.SetBlockCursor(ctx, watcherName, event.BlockNumber)
	}

	subscriber := governor.NewSubscriber(governorClient, handler, 0)

	// Run the subscriber
	errCh := make(chan error, 1)
	go func() {
		if err := subscriber.Run(ctx, fromBlock); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "subscriber"))
		cancel()
	}

	logger.Info("Governor event watcher stopped")
}
