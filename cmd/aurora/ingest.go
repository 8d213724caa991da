package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yyd/aurora/config"
	"github.com/yyd/aurora/pkg/knowledge"
	"github.com/yyd/aurora/pkg/logger"
)

func newIngestCmd(global *globalOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load knowledge entries from a YAML seed file",
		Long: `ingest reads a seed file of knowledge entries, embeds them with the
configured provider and stores them. Entries that carry an id replace the
stored entry with that id.`,
		Example: "  aurora ingest --file knowledge.yaml --config config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			cfg, _, log, err := global.load(nil)
			if err != nil {
				return err
			}
			defer log.Close()

			n, err := ingest(cmd.Context(), cfg, file, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d entries into the %s store\n", n, cfg.Storage.Type)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Seed file to ingest")
	return cmd
}

// ingest stores the entries of a seed file and returns how many were
// written. With an unreachable embedding provider entries are stored
// pending and embedded once the server's health monitor sees it again.
func ingest(ctx context.Context, cfg *config.Config, path string, log *logger.Logger) (int, error) {
	entries, err := knowledge.LoadSeed(path)
	if err != nil {
		return 0, err
	}
	store, _, err := openStore(&cfg.Storage, log.Logger)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	prov := newProviders(&cfg.Provider)
	svc := knowledge.NewService(store, prov.embedder, knowledge.Options{
		TopK:          cfg.Knowledge.TopK,
		MinSimilarity: cfg.Knowledge.MinSimilarity,
		FailureLimit:  cfg.Knowledge.FailureLimit,
	}, log.Logger)
	n, err := svc.IngestAll(ctx, entries)
	if err != nil {
		return n, err
	}
	if pending, err := svc.PendingCount(ctx); err == nil && pending > 0 {
		log.Warn("entries stored without embeddings", "pending", pending)
	}
	return n, nil
}
