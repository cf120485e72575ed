// Command ptyd serves one terminal session: a shell behind a
// pseudo-terminal, exposed as a WebSocket at /ws with a health route at
// /healthz.
//
// The gateway's exec provisioner starts it with the listener on fd 3
// (PTYD_LISTEN_FD) and the session in the environment. Run by hand:
//
//	PTYD_ADDR=127.0.0.1:7681 PTYD_CONFIG_FILE=session.toml ./ptyd
//
// Credentials are read from the environment or the session file, never
// from flags.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/GriffinCanCode/termrelay/internal/bridge"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/config"
	"github.com/GriffinCanCode/termrelay/internal/infrastructure/logging"
	"go.uber.org/zap"
)

func main() {
	pc, err := config.LoadPtyd()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.FromLevel(pc.LogLevel, pc.LogDev)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bridge.ServeStandalone(ctx, pc, logger.Component("ptyd")); err != nil {
		logger.Error("Backend failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}
