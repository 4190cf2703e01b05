package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/0xsend/canton-gateway/auth"
	"github.com/0xsend/canton-gateway/client"
	"github.com/0xsend/canton-gateway/config"
	"github.com/0xsend/canton-gateway/eligibility"
	"github.com/0xsend/canton-gateway/server"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newDB,
			newEthClient,
			newCredentialManager,
			newGatewayClient,
			newStore,
			newChainReader,
			newEligibilityService,
			newServer,
		),
		fx.Invoke(startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.IsProduction() {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newDB(lc fx.Lifecycle, cfg config.Config) (*bun.DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DatabaseURL)))
	db := bun.NewDB(sqldb, pgdialect.New())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})

	return db, nil
}

func newEthClient(lc fx.Lifecycle, cfg config.Config) (*ethclient.Client, error) {
	ec, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", cfg.RPCURL, err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			ec.Close()
			return nil
		},
	})

	return ec, nil
}

func newCredentialManager(cfg config.Config, logger *zap.Logger) *auth.Manager {
	return auth.NewManager(cfg, nil, logger)
}

func newGatewayClient(cfg config.Config, credentials *auth.Manager, logger *zap.Logger) *client.Client {
	return client.New(cfg, credentials, nil, logger)
}

func newStore(db *bun.DB) eligibility.Store {
	return eligibility.NewStore(db)
}

func newChainReader(ec *ethclient.Client) (eligibility.ChainReader, error) {
	return eligibility.NewChainReader(ec)
}

func newEligibilityService(store eligibility.Store, chain eligibility.ChainReader, cfg config.Config, logger *zap.Logger) *eligibility.Service {
	return eligibility.NewService(store, chain, cfg, logger)
}

func newServer(cfg config.Config, store eligibility.Store, checks *eligibility.Service, issuer *client.Client, logger *zap.Logger) *server.Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	return server.New(cfg, store, checks, issuer, logger)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.Server, cfg config.Config, logger *zap.Logger) {
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: srv.Router(),
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("canton gateway listening", zap.String("addr", httpServer.Addr))
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})
}
