// Command auctiond runs the auction engine: the HTTP/WebSocket API, the
// background settler, or both, depending on the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/auctionhouse/internal/app"
	"github.com/alanyoungcy/auctionhouse/internal/config"
	"github.com/alanyoungcy/auctionhouse/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptOut := flag.String("encrypt-key", "", "encrypt AUCTIOND_WALLET_PRIVATE_KEY with AUCTIOND_WALLET_KEY_PASSWORD, write it to this path and exit")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	if *encryptOut != "" {
		if err := encryptKeyFile(*encryptOut); err != nil {
			logger.Error("encrypt key failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("encrypted key written", slog.String("path", *encryptOut))
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("auctiond exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Info("auctiond starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
		slog.Any("effective_config", config.RedactedConfig(cfg)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("auctiond stopped")
	return nil
}

// newLogger returns a JSON logger at level; unknown levels mean info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// encryptKeyFile writes the operator key, encrypted for
// wallet.encrypted_key_path. It never overwrites an existing file.
func encryptKeyFile(path string) error {
	key := os.Getenv("AUCTIOND_WALLET_PRIVATE_KEY")
	password := os.Getenv("AUCTIOND_WALLET_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("AUCTIOND_WALLET_PRIVATE_KEY and AUCTIOND_WALLET_KEY_PASSWORD must be set")
	}
	blob, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
