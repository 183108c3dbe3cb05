package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/charsearch/charsearch/engine/core"
	"github.com/charsearch/charsearch/pkg/config"
	"github.com/charsearch/charsearch/pkg/logger"
	"github.com/charsearch/charsearch/pkg/metrics"
)

// app carries what every subcommand needs once the root has loaded config.
type app struct {
	cfgFile string
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics

	// deps overrides core collaborators; tests inject fakes here.
	deps core.Deps
}

func newRootCmd() *cobra.Command {
	return rootCmd(&app{})
}

func rootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "charsearch",
		Short: "Character portrait search",
		Long: `charsearch harvests character portraits from the catalog, embeds them
into a vector index and answers text or image similarity queries.

Example usage:
  charsearch harvest                      # Download portraits into the corpus
  charsearch ingest                       # Embed the corpus into the index
  charsearch search "spiky blond hair"    # Text query
  charsearch search --image goku.jpg -e   # Image query with enrichment
  charsearch serve                        # JSON query API`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is configs/$ENV.yaml)")

	root.AddCommand(
		newHarvestCmd(a),
		newIngestCmd(a),
		newSearchCmd(a),
		newEnrichCmd(a),
		newServeCmd(a),
	)
	return root
}

// init loads configuration and builds the logger. Without --config a missing
// configs/$ENV.yaml falls back to built-in defaults.
func (a *app) init() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		if a.cfgFile != "" || !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		cfg = config.Default()
	}
	a.cfg = cfg

	log, err := logger.NewLogger(cfg.Logging.Env, cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.log = log
	a.metrics = metrics.New(nil)
	return nil
}

// core opens the embedding model and the index. Callers must Close it.
func (a *app) core(ctx context.Context) (*core.Core, error) {
	return core.New(ctx, a.cfg, a.deps, a.log, a.metrics)
}

// connectNATS returns nil when no NATS URL is configured.
func (a *app) connectNATS() (*nats.Conn, error) {
	if a.cfg.NATS.URL == "" {
		return nil, nil
	}
	nc, err := nats.Connect(a.cfg.NATS.URL, nats.Name("charsearch"))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", a.cfg.NATS.URL, err)
	}
	return nc, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
