// Package fetch clones component repositories with bounded concurrency and
// reports a result for every repository.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/logging"
)

// ErrSkipped marks repositories not attempted after a fail-fast abort.
var ErrSkipped = errors.New("skipped after earlier failure")

// Repo is one repository to fetch.
type Repo struct {
	Name string
	URL  string
	Path string
}

// Result is the outcome of fetching one repository. Err is nil on success.
type Result struct {
	Name   string
	Cloned bool
	Err    error
}

// FetchError lists the repositories that failed.
type FetchError struct {
	Failed []string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %d repositories: %s", len(e.Failed), strings.Join(e.Failed, ", "))
}

// IsFetchError reports whether err is a FetchError.
func IsFetchError(err error) bool {
	var target *FetchError
	return errors.As(err, &target)
}

// Cloner clones url into dest.
type Cloner interface {
	Clone(ctx context.Context, url, dest string) error
}

// GitCloner runs git clone, forwarding its output to the logger.
type GitCloner struct {
	Logger *slog.Logger
}

// Clone implements Cloner.
func (g GitCloner) Clone(ctx context.Context, url, dest string) error {
	out := logging.NewWriter(g.Logger, logging.LevelDebug, "cmd", "git")
	defer out.Flush()

	cmd := exec.CommandContext(ctx, "git", "clone", url, dest)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git clone %q: %w", url, err)
	}
	return nil
}

// Fetcher clones repositories through a bounded worker pool.
type Fetcher struct {
	Cloner      Cloner
	Concurrency int
	// FailFast stops starting new clones after the first failure.
	FailFast bool
	Logger   *slog.Logger
}

// Repos builds the repository list for names, or every configured repository when
// names is empty.
func Repos(cfg *config.Config, names []string) []Repo {
	if len(names) == 0 {
		names = cfg.Repositories.Names
	}
	root := cfg.RepositoryRoot()
	repos := make([]Repo, 0, len(names))
	for _, name := range names {
		repos = append(repos, Repo{Name: name, URL: cfg.RepositoryURL(name), Path: filepath.Join(root, name)})
	}
	return repos
}

// Fetch attempts every repository and returns one result per repository, sorted
// by name. Existing directories are left untouched.
func (f *Fetcher) Fetch(ctx context.Context, repos []Repo) []Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := f.Concurrency
	if n < 1 {
		n = 1
	}
	p := pool.NewWithResults[Result]().WithMaxGoroutines(n)
	for _, repo := range repos {
		p.Go(func() Result {
			if ctx.Err() != nil {
				return Result{Name: repo.Name, Err: ErrSkipped}
			}
			res := f.fetchOne(ctx, repo)
			if res.Err != nil {
				f.Logger.Error("Failed to fetch repository", "repo", repo.Name, "err", res.Err)
				if f.FailFast {
					cancel()
				}
			}
			return res
		})
	}

	results := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

func (f *Fetcher) fetchOne(ctx context.Context, repo Repo) Result {
	if info, err := os.Stat(repo.Path); err == nil && info.IsDir() {
		f.Logger.Info("Repository already cloned, skipping", "repo", repo.Name)
		return Result{Name: repo.Name}
	}
	if repo.URL == "" {
		return Result{Name: repo.Name, Err: fmt.Errorf("no clone URL for %q", repo.Name)}
	}
	if err := os.MkdirAll(filepath.Dir(repo.Path), 0o755); err != nil {
		return Result{Name: repo.Name, Err: fmt.Errorf("create %q: %w", filepath.Dir(repo.Path), err)}
	}
	if err := f.Cloner.Clone(ctx, repo.URL, repo.Path); err != nil {
		return Result{Name: repo.Name, Err: err}
	}
	f.Logger.Info("Cloned repository", "repo", repo.Name)
	return Result{Name: repo.Name, Cloned: true}
}

// Summarize returns a FetchError naming every failed repository, or nil.
func Summarize(results []Result) error {
	var failed []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Name)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &FetchError{Failed: failed}
}
