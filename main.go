// Package main is the entry point for the tracksync CLI application.
package main

import (
	"fmt"
	"os"

	"github.com/danielolaszy/tracksync/cmd"
	"github.com/danielolaszy/tracksync/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logging.Debug("starting tracksync", "version", version, "log_level", string(logging.LevelFromEnv()))

	if err := cmd.Execute(); err != nil {
		logging.Error("command execution failed", "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
