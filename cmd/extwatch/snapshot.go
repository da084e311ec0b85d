package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voxdesk/extwatch/internal/config"
	"github.com/voxdesk/extwatch/internal/presence"
)

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot [extension...]",
		Short: "Fetch one presence snapshot and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if cfg.APIToken == "" {
				return errors.New("EXTWATCH_API_TOKEN is required")
			}
			log := newLogger(cfg)

			f := presence.NewFetcher(cfg.APIURL, cfg.FetchTimeout, presence.StaticToken(cfg.APIToken), log)
			snap, err := f.Fetch(cmd.Context(), args)
			if err != nil {
				return err
			}
			if len(snap.Malformed) > 0 {
				log.Warn().Strs("extensions", snap.Malformed).Msg("dropped malformed entries")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"extensions":      snap.Statuses(),
				"onlineCount":     snap.OnlineCount,
				"totalExtensions": snap.TotalExtensions,
				"observedAt":      snap.ObservedAt(),
			})
		},
	}
}
