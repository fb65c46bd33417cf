package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"ragline/internal/stubserver"
)

func newStubCmd() *cobra.Command {
	var addr string
	var delay time.Duration
	var token string

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Run a scriptable fake backend for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadConfig()
			if err != nil {
				return err
			}
			srv := stubserver.New(stubserver.Config{
				Token:             token,
				AutoCompleteAfter: delay,
			}, logger)
			logger.Info("stub backend listening on %s", addr)
			return http.ListenAndServe(addr, srv.Handler())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().DurationVar(&delay, "delay", 2*time.Second, "auto-complete delay per task")
	cmd.Flags().StringVar(&token, "token", "", "require this token on push connects")
	return cmd
}
