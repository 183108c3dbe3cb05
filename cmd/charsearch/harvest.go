package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/core"
	"github.com/charsearch/charsearch/engine/harvest"
)

func newHarvestCmd(a *app) *cobra.Command {
	var first, last int
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Download character portraits into the corpus directory",
		Long: `Walk the catalog pages, deduplicate characters by derived name and
download each portrait into the corpus directory. When nats.url is set every
stored image is announced on ` + harvest.StoredSubject + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg.Harvest
			if cmd.Flags().Changed("first") {
				cfg.FirstPage = first
			}
			if cmd.Flags().Changed("last") {
				cfg.LastPage = last
			}

			var notifier harvest.Notifier
			nc, err := a.connectNATS()
			if err != nil {
				return err
			}
			if nc != nil {
				defer nc.Drain()
				notifier = harvest.NewNATSNotifier(nc)
			}

			p, err := core.NewHarvest(cfg, notifier, a.metrics, a.log)
			if err != nil {
				return err
			}
			a.log.Info("harvest starting",
				zap.Int("first_page", cfg.FirstPage),
				zap.Int("last_page", cfg.LastPage),
				zap.String("corpus_dir", cfg.CorpusDir),
			)
			stats, err := p.Run(cmd.Context())
			if werr := writeJSON(cmd.OutOrStdout(), stats); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
	cmd.Flags().IntVar(&first, "first", 0, "first catalog page (overrides harvest.first_page)")
	cmd.Flags().IntVar(&last, "last", 0, "last catalog page (overrides harvest.last_page)")
	return cmd
}
