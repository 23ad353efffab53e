// codemod_sandbox runs a single codemod job. It is started by the runner and speaks the
// run protocol on stdin and stdout, so logs go to stderr.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ssuji15/codemod-run/internal/config"
	"github.com/ssuji15/codemod-run/internal/engine"
	"github.com/ssuji15/codemod-run/internal/sandbox"
	"github.com/ssuji15/codemod-run/internal/service/logger"
)

func main() {
	logger.InitWithWriter(config.GetSandboxServiceName(), os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ecfg, err := config.GetEngineConfig()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("engine config error")
	}
	wd, err := os.Getwd()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("no working directory")
	}

	registry, err := engine.NewExecRegistry(ecfg.COMMANDS, wd)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("engine registry error")
	}
	session := sandbox.NewSession(registry, engine.NewExecFormatter(ecfg.FORMATTER_CMD), ecfg.FILE_TIMEOUT)

	if err := sandbox.Serve(ctx, os.Stdin, os.Stdout, session); err != nil {
		logger.Log.Error().Err(err).Str("state", session.State().String()).Msg("sandbox stopped")
		os.Exit(1)
	}
}
