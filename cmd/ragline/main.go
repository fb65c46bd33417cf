package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ragline/internal/config"
	"ragline/internal/logging"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "ragline",
		Short:         "Chat client for the RAG backend's async task engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ~/.ragline.yaml)")

	root.AddCommand(newChatCmd())
	root.AddCommand(newStubCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return cfg, logger, nil
}
