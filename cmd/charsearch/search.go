package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/charsearch/charsearch/engine/domain"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		imagePath string
		topK      int
		threshold float64
		enrich    bool
	)
	cmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Find the characters closest to a description or an example image",
		Long: `Search the index with a free-text description, or with an example image
given by --image. Hits are printed as JSON, best first. --enrich decorates
each hit with its external character record.

Examples:
  charsearch search "girl with long pink hair"
  charsearch search --image ./goku.jpg --top-k 3 --enrich`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			text := strings.Join(args, " ")
			if imagePath == "" && strings.TrimSpace(text) == "" {
				return errors.New("search: give a text query or --image")
			}
			if imagePath != "" && text != "" {
				return errors.New("search: text and --image are mutually exclusive")
			}
			if !cmd.Flags().Changed("top-k") {
				topK = a.cfg.Search.TopK
			}
			if !cmd.Flags().Changed("threshold") {
				threshold = a.cfg.Search.Threshold
			}

			c, err := a.core(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var hits []domain.SearchHit
			if imagePath != "" {
				data, rerr := os.ReadFile(imagePath)
				if rerr != nil {
					return fmt.Errorf("search: read image: %w", rerr)
				}
				hits, err = c.SearchByImage(ctx, data, topK, threshold)
			} else {
				hits, err = c.SearchText(ctx, text, topK, threshold)
			}
			if err != nil {
				return err
			}

			if !enrich {
				return writeJSON(cmd.OutOrStdout(), hits)
			}
			enriched, err := c.Enrich(ctx, hits)
			if werr := writeJSON(cmd.OutOrStdout(), enriched); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&imagePath, "image", "i", "", "example image file")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "maximum number of hits (default search.top_k)")
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "minimum score in [0,1] (default search.threshold)")
	cmd.Flags().BoolVarP(&enrich, "enrich", "e", false, "decorate hits with external character records")
	return cmd
}

func newEnrichCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enrich [hits.json]",
		Short: "Decorate search hits with external character records",
		Long: `Read a JSON array of search hits (as printed by "charsearch search") from
the given file or stdin and print the enriched hits in the same order.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("enrich: %w", err)
				}
				defer f.Close()
				in = f
			}
			var hits []domain.SearchHit
			if err := decodeJSON(in, &hits); err != nil {
				return fmt.Errorf("enrich: decode hits: %w", err)
			}

			c, err := a.core(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			enriched, err := c.Enrich(ctx, hits)
			if werr := writeJSON(cmd.OutOrStdout(), enriched); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
	return cmd
}
