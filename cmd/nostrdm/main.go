package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/nostrdm/pkg/dmcache"
	"github.com/lrhodin/nostrdm/pkg/dmsync"
	"github.com/lrhodin/nostrdm/pkg/relaypool"
)

type contextKey int

const (
	contextKeyEngine contextKey = iota
	contextKeyPool
	contextKeyLogger
)

func getEngine(ctx *cli.Context) *dmsync.Engine {
	return ctx.Context.Value(contextKeyEngine).(*dmsync.Engine)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

func getConfigPath(ctx *cli.Context) string {
	if path := ctx.String("config"); path != "" {
		return path
	}
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "nostrdm", "config.yaml")
}

func prepareApp(ctx *cli.Context) error {
	cfg, err := dmsync.LoadConfig(getConfigPath(ctx))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if lvl := ctx.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Logger()

	secret := os.Getenv("NOSTRDM_SECRET_KEY")
	if secret == "" {
		return fmt.Errorf("NOSTRDM_SECRET_KEY is not set")
	}
	secret, err = decodeSecretKey(secret)
	if err != nil {
		return err
	}
	signer, err := dmsync.NewLocalSigner(secret)
	if err != nil {
		return fmt.Errorf("bad secret key: %w", err)
	}

	pool := relaypool.New(cfg.Relays, log)
	if err := dmsync.WatchConfig(ctx.Context, getConfigPath(ctx), log, func(next *dmsync.Config) {
		pool.SetRelays(next.Relays)
	}); err != nil {
		log.Warn().Err(err).Msg("Config watch unavailable, relay list is static for this run")
	}

	opts := []dmsync.Option{dmsync.WithLogger(log)}
	if cachePath := ctx.String("cache"); cachePath != "" {
		cache, err := dmcache.Open(cachePath)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		opts = append(opts, dmsync.WithCache(cache))
	}
	engine, err := dmsync.New(cfg, signer, pool, opts...)
	if err != nil {
		return err
	}

	newCtx := context.WithValue(ctx.Context, contextKeyEngine, engine)
	newCtx = context.WithValue(newCtx, contextKeyPool, pool)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = newCtx
	return nil
}

func decodeSecretKey(raw string) (string, error) {
	if prefix, value, err := nip19.Decode(raw); err == nil {
		if prefix != "nsec" {
			return "", fmt.Errorf("expected an nsec key, got %s", prefix)
		}
		return value.(string), nil
	}
	// Assume raw hex.
	return raw, nil
}

func decodePartner(raw string) (string, error) {
	if prefix, value, err := nip19.Decode(raw); err == nil {
		if prefix != "npub" {
			return "", fmt.Errorf("expected an npub identifier, got %s", prefix)
		}
		return value.(string), nil
	}
	if !nostr.IsValidPublicKey(raw) {
		return "", fmt.Errorf("%q is not a valid public key", raw)
	}
	return raw, nil
}

func main() {
	app := &cli.App{
		Name:    "nostrdm",
		Usage:   "Synchronize encrypted direct messages from Nostr relays",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
			},
			&cli.StringFlag{
				Name:  "cache",
				Usage: "Path to the sqlite summary cache (optional)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override the configured log level",
			},
		},
		Commands: []*cli.Command{
			discoverCommand,
			tailCommand,
			sendCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
