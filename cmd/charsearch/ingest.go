package main

import (
	"errors"
	"fmt"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/harvest"
	"github.com/charsearch/charsearch/engine/ingest"
)

func newIngestCmd(a *app) *cobra.Command {
	var (
		watch   bool
		noBar   bool
		corpus  string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Embed the image corpus into the vector index",
		Long: `Walk the corpus directory, embed every image in batches and upsert the
batches into the index. Re-running is idempotent. With --watch the command
then keeps consuming ` + harvest.StoredSubject + ` events and ingests each
announced image.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if corpus != "" {
				a.cfg.Harvest.CorpusDir = corpus
			}
			if workers > 0 {
				a.cfg.Ingest.Workers = workers
			}

			c, err := a.core(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var onProgress func(done, total int)
			if !noBar {
				onProgress = progressBar(cmd)
			}
			stats, err := c.IngestPipeline(onProgress).Run(ctx)
			if werr := writeJSON(cmd.OutOrStdout(), stats); werr != nil && err == nil {
				err = werr
			}
			if err != nil || !watch {
				return err
			}

			nc, err := a.connectNATS()
			if err != nil {
				return err
			}
			if nc == nil {
				return errors.New("ingest: --watch needs nats.url")
			}
			defer nc.Drain()
			sub, err := ingest.StartConsumer(nc, c.IngestPipeline(nil), a.cfg.NATS.MaxRetries)
			if err != nil {
				return err
			}
			a.log.Info("watching for stored images", zap.String("subject", sub.Subject))
			<-ctx.Done()
			return sub.Unsubscribe()
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep ingesting images announced over NATS")
	cmd.Flags().BoolVar(&noBar, "no-progress", false, "disable the progress bar")
	cmd.Flags().StringVar(&corpus, "corpus", "", "corpus directory (overrides harvest.corpus_dir)")
	cmd.Flags().IntVar(&workers, "workers", 0, "embed workers per batch (overrides ingest.workers)")
	return cmd
}

// progressBar returns an ingest progress callback that lazily creates the
// bar once the total is known.
func progressBar(cmd *cobra.Command) func(done, total int) {
	var (
		mu  sync.Mutex
		bar *progressbar.ProgressBar
	)
	return func(done, total int) {
		mu.Lock()
		defer mu.Unlock()
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription("[cyan]Embedding[reset]"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprintln(cmd.ErrOrStderr())
				}),
			)
		}
		_ = bar.Set(done)
	}
}
