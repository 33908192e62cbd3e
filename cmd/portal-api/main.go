package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/openassembly/gov-portal/internal/adapter"
	"github.com/openassembly/gov-portal/internal/api/middleware"
	"github.com/openassembly/gov-portal/internal/api/rest"
	"github.com/openassembly/gov-portal/internal/api/server"
	"github.com/openassembly/gov-portal/internal/blocktime"
	"github.com/openassembly/gov-portal/internal/codec"
	"github.com/openassembly/gov-portal/internal/config"
	"github.com/openassembly/gov-portal/internal/files"
	"github.com/openassembly/gov-portal/internal/logger"
	"github.com/openassembly/gov-portal/internal/membership"
	"github.com/openassembly/gov-portal/internal/messaging"
	"github.com/openassembly/gov-portal/internal/projection"
	"github.com/openassembly/gov-portal/internal/providers/governor"
	"github.com/openassembly/gov-portal/internal/providers/jetstream"
	"github.com/openassembly/gov-portal/internal/registry"
	"github.com/openassembly/gov-portal/internal/writer"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	envPath    = flag.String("env", "config/", "Path to environment files")
)

func main() {
	flag.Parse()

	// Load configuration
	config.ChdirRepoRoot()
	cfg, err := config.LoadPortalAPIConfig(*configFile, *envPath)
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
			"service": "portal-api",
		},
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Flush(2 * time.Second)
	logger.InfoCtx(ctx, "Starting Governance Portal API")

	// Initialize adapters
	clockAdapter := adapter.NewClock()
	jsonAdapter := adapter.NewJSON()
	jcsAdapter := adapter.NewJCS()
	natsJS := adapter.NewNatsJetStream()

	// Initialize ethereum client
	ethDialer := adapter.NewEthClientDialer()
	adapterEthClient, err := ethDialer.Dial(ctx, cfg.Ethereum.RPCURL)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to dial Ethereum RPC", zap.Error(err), zap.String("rpc_url", cfg.Ethereum.RPCURL))
	}
	defer adapterEthClient.Close()

	// Initialize governor client, with a signer when one is configured
	governorCfg := governor.Config{
		GovernorAddress: cfg.Ethereum.GovernorAddress,
		TokenAddress:    cfg.Ethereum.TokenAddress,
		StartBlock:      cfg.Ethereum.StartBlock,
		ChainID:         big.NewInt(cfg.Ethereum.ChainID),
	}
	if cfg.Ethereum.SignerKeyHex != "" {
		key, err := crypto.HexToECDSA(cfg.Ethereum.SignerKeyHex)
		if err != nil {
			logger.FatalCtx(ctx, "Failed to parse signer key", zap.Error(err))
		}
		governorCfg.PrivateKey = key
	} else {
		logger.WarnCtx(ctx, "No signer key configured, mutations will fail")
	}

	resolver := blocktime.New(adapterEthClient, clockAdapter, cfg.Ethereum.BlockTimePoolSize)
	governorClient, err := governor.NewClient(governorCfg, adapterEthClient, clockAdapter, resolver)
	if err != nil {
		logger.FatalCtx(ctx, "Failed to create governor client", zap.Error(err))
	}
	logger.InfoCtx(ctx, "Connected to governor",
		zap.String("governor", cfg.Ethereum.GovernorAddress),
		zap.String("token", cfg.Ethereum.TokenAddress),
	)

	// Load the seed roster, merging a roster file over the inline config
	seedMembers := make(map[string]string, len(cfg.SeedMembers))
	for addr, name := range cfg.SeedMembers {
		seedMembers[addr] = name
	}
	if cfg.SeedMembersPath != "" {
		rosterLoader := registry.NewRosterRegistryLoader(adapter.NewFileSystem(), jsonAdapter)
		roster, err := rosterLoader.Load(cfg.SeedMembersPath)
		if err != nil {
			logger.FatalCtx(ctx, "Failed to load seed roster",
				zap.Error(err),
				zap.String("path", cfg.SeedMembersPath))
		}
		for addr, name := range roster.SeedMembers() {
			seedMembers[addr] = name
		}
		logger.InfoCtx(ctx, "Loaded seed roster", zap.String("path", cfg.SeedMembersPath))
	}

	// Assemble the projection over the governor log
	payloadCodec := codec.New(jsonAdapter, jcsAdapter)
	memberProjector := membership.NewProjector(seedMembers)
	classifier := membership.NewClassifier(governorClient, memberProjector)
	projector := projection.NewProjector(governorClient, governorClient, payloadCodec, memberProjector, clockAdapter)
	service := projection.NewService(projector)

	if err := service.Refresh(ctx); err != nil {
		logger.FatalCtx(ctx, "Failed to build initial projection", zap.Error(err))
	}

	// Initialize the mutation writer
	proposalWriter := writer.New(governorClient, payloadCodec, service)

	// Initialize the file collaborator
	httpClient := adapter.NewHTTPClient(cfg.Files.HTTPTimeout)
	filesClient := files.NewIPFSClient(httpClient, jsonAdapter, cfg.Files.IPFSAPIURL, cfg.Files.IPFSGateway)

	// Subscribe to change notices from the watcher
	if cfg.NATS.URL != "" {
		natsSubscriber, err := jetstream.NewSubscriber(jetstream.Config{
			URL:            cfg.NATS.URL,
			StreamName:     cfg.NATS.StreamName,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			ConnectionName: cfg.NATS.ConnectionName,
		}, cfg.NATS.ConsumerName, natsJS, jsonAdapter)
		if err != nil {
			logger.FatalCtx(ctx, "Failed to create NATS subscriber", zap.Error(err), zap.String("url", cfg.NATS.URL))
		}
		defer natsSubscriber.Close()
		logger.InfoCtx(ctx, "Connected to NATS JetStream", zap.String("url", cfg.NATS.URL))

		go func() {
			err := natsSubscriber.SubscribeChanges(ctx, func(ctx context.Context, notice messaging.ChangeNotice) error {
				logger.InfoCtx(ctx, "Change notice received", zap.Uint64("head_block", notice.HeadBlock))
				return service.Refresh(ctx)
			})
			if err != nil && ctx.Err() == nil {
				logger.ErrorCtx(ctx, err, zap.String("component", "nats subscriber"))
			}
		}()
	} else {
		logger.WarnCtx(ctx, "NATS not configured, projection refreshes only after local mutations")
	}

	// Create server config
	serverConfig := server.Config{
		Debug:        cfg.Debug,
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		Auth: middleware.AuthConfig{
			JWTSecret: cfg.Auth.JWTSecret,
			APIKeys:   cfg.Auth.APIKeys,
		},
	}

	// Create and start server
	handler := rest.NewHandler(service, proposalWriter, classifier, filesClient)
	srv := server.New(serverConfig, handler)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.InfoCtx(ctx, "Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		logger.ErrorCtx(ctx, err, zap.String("component", "server"))
		cancel()
	}

	// Create shutdown context with timeout (don't use canceled ctx)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.FatalCtx(shutdownCtx, "Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Portal API stopped")
}
