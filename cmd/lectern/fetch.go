package main

import (
	"fmt"
	"sync"

	"github.com/caffeineduck/lectern/executor"
	"github.com/caffeineduck/lectern/hostfunc"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the interpreter ahead of time",
	Long: `Download and verify the WASI interpreter module so the first snippet
does not wait for it. With --check-datasets, also report whether each
builtin dataset can be downloaded or will be served from its fallback.`,
	Args: cobra.NoArgs,
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().Bool("check-datasets", false, "Also check the builtin datasets")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	checkDatasets, _ := cmd.Flags().GetBool("check-datasets")

	var mu sync.Mutex
	out := cmd.OutOrStdout()
	report := func(format string, a ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, a...)
	}

	g, ctx := errgroup.WithContext(cmd.Context())

	if cfg.Engine == "wasm" {
		g.Go(func() error {
			fetcher := executor.NewFetcher(executor.WithFetchLogger(logger.WithPrefix("fetch")))
			p, fetched, err := fetcher.Ensure(ctx, assetOf(cfg))
			if err != nil {
				return err
			}
			if fetched {
				report("Downloaded interpreter to %s\n", p)
			} else {
				report("Interpreter already available at %s\n", p)
			}
			return nil
		})
	} else {
		report("Engine %q uses the host interpreter, nothing to download\n", cfg.Engine)
	}

	if checkDatasets {
		datasets := hostfunc.NewDatasets(hostfunc.BuiltinDatasets(),
			hostfunc.WithDatasetLogger(logger.WithPrefix("datasets")),
		)
		for _, ds := range datasets.List() {
			g.Go(func() error {
				resp, err := datasets.Load(ctx, ds.Name)
				if err != nil {
					return err
				}
				report("Dataset %s: %s\n", ds.Name, resp.Source)
				return nil
			})
		}
	}

	return g.Wait()
}
