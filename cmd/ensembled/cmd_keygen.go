package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/automlkit/ensembled/internal/artifact"
	"github.com/automlkit/ensembled/internal/config"
	"github.com/automlkit/ensembled/internal/httpapi"
	"github.com/automlkit/ensembled/internal/losscache"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen <name>",
	Short: "Create an API key for the HTTP API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		store := artifact.NewStore(cfg.DataDir, cfg.Precision)
		if err := store.EnsurePaths(); err != nil {
			return err
		}
		db, err := losscache.Open(filepath.Join(store.CacheDir(), "ensembled.db"))
		if err != nil {
			return err
		}
		defer db.Close()

		auth := &httpapi.Authenticator{Store: db}
		key, record, err := auth.GenerateKey(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("created key %s (%s)\n", record.ID, record.Name)
		fmt.Printf("plaintext (shown once): %s\n", key)
		return nil
	},
}
