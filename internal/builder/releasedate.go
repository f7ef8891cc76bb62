package builder

import (
	"errors"
	"time"

	"github.com/go-git/go-git/v6"
)

const releaseDateLayout = "20060102"

var errNoHead = errors.New("repository has no HEAD commit")

// headCommitTime returns the committer time of HEAD for the git repository
// containing dir, searching parent directories for .git.
func headCommitTime(dir string) (time.Time, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return time.Time{}, err
	}
	ref, err := repo.Head()
	if err != nil {
		return time.Time{}, errors.Join(errNoHead, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return time.Time{}, err
	}
	return commit.Committer.When, nil
}

// resolveReleaseDate fills in the boot header release date. An explicit
// value wins; otherwise the HEAD commit date of the project is used so that
// rebuilding the same commit yields the same header, and failing that, now.
func resolveReleaseDate(configured, projectDir string, now func() time.Time) string {
	if configured != "" {
		return configured
	}
	if t, err := headCommitTime(projectDir); err == nil {
		return t.UTC().Format(releaseDateLayout)
	}
	return now().UTC().Format(releaseDateLayout)
}
