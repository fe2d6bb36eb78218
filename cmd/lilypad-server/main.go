package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cm21968/LilyPad/certs"
	"github.com/cm21968/LilyPad/server"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	certPath := envOr("LILYPAD_CERT", "server.crt")
	keyPath := envOr("LILYPAD_KEY", "server.key")

	cert, generated, err := certs.LoadOrGenerate(certPath, keyPath)
	if err != nil {
		slog.Error("failed to load or generate certificate", "error", err)
		os.Exit(1)
	}
	if generated {
		slog.Info("generated self-signed certificate", "cert", certPath, "key", keyPath)
	}

	udpPort, err := strconv.Atoi(envOr("LILYPAD_UDP_PORT", "7778"))
	if err != nil {
		slog.Error("invalid LILYPAD_UDP_PORT", "error", err)
		os.Exit(1)
	}

	cfg := server.Config{
		TCPAddr:         envOr("LILYPAD_ADDR", ":7777"),
		UDPPort:         udpPort,
		TLSCert:         cert,
		DBPath:          envOr("LILYPAD_DB", "lilypad.db"),
		ChatPath:        envOr("LILYPAD_CHAT", "chat_history.jsonl"),
		UpdatePath:      os.Getenv("LILYPAD_UPDATE_FILE"),
		AllowLegacyJoin: os.Getenv("LILYPAD_ALLOW_LEGACY_JOIN") != "",
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	slog.Info("lilypad starting", "version", version, "control", cfg.TCPAddr, "voice_port", cfg.UDPPort)

	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
