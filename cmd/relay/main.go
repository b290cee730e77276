// Package main is the entry point for the wayback relay service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/spunwebtech/wayback-relay/internal/app"
)

var (
	// version can be set at build time via -ldflags
	version = "dev"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yml", "Path to configuration file")
	flag.Parse()

	application, err := app.New(app.Options{
		ConfigPath: configPath,
		Version:    version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if runErr := application.Run(context.Background()); runErr != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", runErr)
		os.Exit(1)
	}
}
