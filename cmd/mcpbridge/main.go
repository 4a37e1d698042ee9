// Command mcpbridge runs the SDP MCP broker HTTP server: it loads
// configuration, constructs every collaborator (CryptoBox, TokenStore,
// RateCoordinator, CircuitBreaker, OAuthClient, TokenManager, UpstreamAdapter,
// ToolDispatcher), starts the proactive refresh loop, and serves the SSE
// transport until a shutdown signal arrives. Its flag/signal/logging shape
// follows erauner12-toolbridge-api's cmd/server/main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sdpbridge/mcp-broker/internal/breaker"
	"github.com/sdpbridge/mcp-broker/internal/config"
	"github.com/sdpbridge/mcp-broker/internal/cryptobox"
	"github.com/sdpbridge/mcp-broker/internal/mcpserver/server"
	"github.com/sdpbridge/mcp-broker/internal/oauthclient"
	"github.com/sdpbridge/mcp-broker/internal/ratecoord"
	"github.com/sdpbridge/mcp-broker/internal/sdpapi"
	"github.com/sdpbridge/mcp-broker/internal/tokenmanager"
	"github.com/sdpbridge/mcp-broker/internal/tokenstore"
)

const version = "1.0.0"

var (
	showVersion = flag.Bool("version", false, "Show version information")
	debug       = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("mcpbridge version %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	}
	setupLogging(cfg)

	log.Info().Str("version", version).Str("addr", cfg.Addr()).Msg("starting sdp mcp broker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("mcp broker exited with error")
		os.Exit(1)
	}
	log.Info().Msg("mcp broker stopped gracefully")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// run wires every collaborator and serves until ctx is canceled.
func run(ctx context.Context, cfg *config.Config) error {
	masterKey, err := cfg.MasterKey()
	if err != nil {
		return fmt.Errorf("master key: %w", err)
	}
	box, err := cryptobox.New(masterKey)
	if err != nil {
		return fmt.Errorf("cryptobox: %w", err)
	}

	store, closeStore, err := buildTokenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	defer closeStore()

	rateStore, closeRate, err := buildRateStore(cfg)
	if err != nil {
		return fmt.Errorf("rate store: %w", err)
	}
	defer closeRate()

	coord := ratecoord.New(rateStore, cfg.CallLimits())
	breakers := breaker.NewManager(&breaker.TokenStorePersister{Store: store})
	oauth := oauthclient.New(&http.Client{Timeout: cfg.RefreshTimeout})
	tokenMgr := tokenmanager.New(store, box, coord, breakers, oauth).WithSafetyMargin(cfg.RefreshSafetyMargin)
	sdpClient := sdpapi.New(&http.Client{Timeout: 30 * time.Second}, tokenMgr, coord, breakers)

	go tokenMgr.RunProactiveRefreshLoop(ctx, cfg.ProactiveRefreshInterval)

	srv := server.New(ctx, server.Deps{
		Store:    store,
		Box:      box,
		TokenMgr: tokenMgr,
		OAuth:    oauth,
		Client:   sdpClient,
		Breakers: breakers,
		Coord:    coord,
	}, server.Options{
		ClientIDHeader:     cfg.ClientIDHeader,
		ClientSecretHeader: cfg.ClientSecretHeader,
		IdleTimeout:        cfg.SessionIdleTimeout,
		KeepAliveInterval:  cfg.KeepAliveInterval,
		ToolCallDeadline:   cfg.ToolCallDeadline,
		SSEWriteBufferMax:  cfg.SSEWriteBufferBytes,
		AdminToken:         cfg.AdminToken,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(cfg.Addr(), cfg.TLSCertFile, cfg.TLSKeyFile)
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("error during server shutdown")
		}
	}
	return nil
}

// buildTokenStore selects Postgres when StoreDSN is set, the in-memory store
// otherwise (dev/test only, per internal/config's doc comment).
func buildTokenStore(ctx context.Context, cfg *config.Config) (tokenstore.Store, func(), error) {
	if cfg.StoreDSN == "" {
		log.Warn().Msg("no SDPBROKER_STORE_DSN set, using in-memory token store (not for production)")
		return tokenstore.NewMemoryStore(), func() {}, nil
	}

	pool, err := tokenstore.OpenPool(ctx, cfg.StoreDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := tokenstore.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return tokenstore.NewPostgresStore(pool), pool.Close, nil
}

// buildRateStore selects Redis when RedisAddr is set, the in-process store
// otherwise (correct only for a single broker instance, per §9).
func buildRateStore(cfg *config.Config) (ratecoord.Store, func(), error) {
	if cfg.RedisAddr == "" {
		log.Warn().Msg("no SDPBROKER_REDIS_ADDR set, using in-process rate coordinator (single instance only)")
		return ratecoord.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return ratecoord.NewRedisStore(client, ""), func() { _ = client.Close() }, nil
}
