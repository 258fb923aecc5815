package main

import (
	"os"

	log "github.com/hashicorp/go-hclog"

	"github.com/tunedmoded/tunedmoded/daemon"
)

func main() {
	logger := log.New(&log.LoggerOptions{
		Name:  "tunedmoded",
		Level: log.Info,
	})

	rt, err := daemon.New(logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	if err := rt.Run(); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}
