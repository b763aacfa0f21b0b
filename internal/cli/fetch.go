package cli

import (
	"github.com/spf13/cobra"

	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/fetch"
)

// newFetchCommand creates the "fetch" subcommand that clones component repositories.
func newFetchCommand(opts *Options) *cobra.Command {
	var failFast bool

	cmd := &cobra.Command{
		Use:   "fetch [repository...]",
		Short: "Clone component repositories that are not present yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadRun(opts, cmd, config.LoadOptions{})
			if err != nil {
				return err
			}

			f := &fetch.Fetcher{
				Cloner:      fetch.GitCloner{Logger: rc.logger},
				Concurrency: rc.cfg.Repositories.CloneConcurrency,
				FailFast:    failFast,
				Logger:      rc.logger,
			}
			results := f.Fetch(cmd.Context(), fetch.Repos(rc.cfg, parseNames(args, "")))

			cloned := 0
			for _, r := range results {
				if r.Cloned {
					cloned++
				}
			}
			rc.logger.Info("fetch finished", "repositories", len(results), "cloned", cloned)
			return fetch.Summarize(results)
		},
	}

	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop starting new clones after the first failure")

	return cmd
}
