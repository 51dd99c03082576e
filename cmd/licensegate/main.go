package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"licensegate/internal/app"
	"licensegate/internal/config"
	"licensegate/pkg/contracts"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(contracts.GetFullVersionString())
		return
	}

	if *configFile != "" {
		if err := os.Setenv(config.EnvPrefix+"_CONFIG_FILE", *configFile); err != nil {
			slog.Error("Failed to set config file", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	ctx := context.Background()

	application, err := app.NewApplication(ctx)
	if err != nil {
		slog.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
