package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"ragline/internal/auth"
	"ragline/internal/backend"
	"ragline/internal/chat"
	"ragline/internal/config"
	"ragline/internal/engine"
	"ragline/internal/logging"
)

var (
	userStyle   = color.New(color.FgCyan, color.Bold)
	aiStyle     = color.New(color.FgGreen)
	systemStyle = color.New(color.FgHiBlack)
	errorStyle  = color.New(color.FgRed, color.Bold)
)

func newChatCmd() *cobra.Command {
	var prompt string
	var backendURL string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Submit a prompt and stream status updates until it settles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if backendURL != "" {
				cfg.BackendURL = backendURL
			}
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}
			return runChat(cmd.Context(), cfg, logger, prompt)
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt to submit")
	cmd.Flags().StringVar(&backendURL, "backend", "", "override backend URL")
	return cmd
}

func runChat(ctx context.Context, cfg config.Config, logger logging.Logger, prompt string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store chat.Store
	if cfg.HistoryFile != "" {
		store = chat.NewFileStore(cfg.HistoryFile)
	} else {
		store = chat.NewMemoryStore()
	}
	history := chat.Tee(store, renderMessage)

	refresher := auth.NewRefresher(auth.Static(cfg.Token), cfg.TokenRefreshInterval, logger)
	if err := refresher.Start(); err != nil {
		return err
	}
	defer refresher.Stop()

	client := backend.New(cfg.BackendURL, logger)
	eng := engine.New(engine.Options{
		PushURL:           cfg.PushURL(),
		PollInterval:      cfg.PollInterval,
		TaskTimeout:       cfg.TaskTimeout,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectBackoff:  cfg.ReconnectBackoff,
	}, client, history, refresher, logger, engine.NewMetrics(nil))
	defer eng.Close()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	handle, err := eng.Submit(ctx, prompt)
	if err != nil {
		return err
	}

	select {
	case <-handle.Done():
		if status, source, ok := handle.Final(); ok {
			logger.Debug("task %s finished as %s via %s", handle.ID, status, source)
		}
	case <-ctx.Done():
		systemStyle.Fprintln(os.Stdout, "interrupted, tearing down")
	}
	return nil
}

func renderMessage(msg chat.Message) {
	switch msg.Kind {
	case chat.KindUser:
		userStyle.Printf("you> ")
		fmt.Println(msg.Content)
	case chat.KindAi:
		aiStyle.Printf("ai> ")
		fmt.Println(msg.Content)
	case chat.KindError:
		errorStyle.Printf("err> ")
		fmt.Println(msg.Content)
	default:
		systemStyle.Printf("sys> %s\n", msg.Content)
	}
}
