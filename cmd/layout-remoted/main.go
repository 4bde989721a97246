package main

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/quantdesk/layoutsync/internal/logging"
	"github.com/quantdesk/layoutsync/internal/remoted"
	"github.com/quantdesk/layoutsync/persist"
)

func main() {
	logger := logging.NewFromEnv()

	addr := os.Getenv("LAYOUTSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	dsn := strings.TrimSpace(os.Getenv("LAYOUTSYNC_BACKEND_DSN"))
	if dsn == "" {
		dsn = "mem:"
	}
	backend, err := persist.OpenBackend(dsn)
	if err != nil {
		logger.Fatal().Err(err).Str("dsn", dsn).Msg("failed to initialize storage backend")
	}

	server, err := remoted.NewServer(backend, remoted.ServerConfig{
		JWTSecret:    os.Getenv("LAYOUTSYNC_JWT_SECRET"),
		MaxBodyBytes: int64Env("LAYOUTSYNC_MAX_BODY_BYTES", 0, logger.Printf),
		Logger:       logging.Component(logger, "remoted"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize server")
	}

	logger.Info().Str("addr", addr).Str("dsn", dsn).Msg("layout-remoted listening")
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func int64Env(name string, fallback int64, logf func(string, ...any)) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
