package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/chatsync/internal/api"
)

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Fetch a token for the configured user and print it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rest := api.NewClient(cfg.API.BaseURL, cfg.API.APIKey, cfg.API.RatePerSecond,
				cfg.APITimeout(), cfg.APIRetryDelay(), cfg.API.RetryCount, logger.Named("api"))

			tok, err := rest.FetchToken(cmd.Context(), cfg.User.ID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(tok)
		},
	}
}
