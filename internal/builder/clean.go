package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

// generated files swept from the output directory by Clean
var cleanPatterns = []string{"*.iso", "*.cue"}

// Clean recursively removes the build, image and audio directories and
// every disc image and cue sheet in the output directory. Relative
// directories are taken relative to workdir. Paths that do not exist are
// skipped. It returns the paths that were removed.
func Clean(workdir string, dirs DirsSection) ([]string, error) {
	workdir, err := filepath.Abs(workdir)
	if err != nil {
		return nil, err
	}
	resolve := func(d string) string {
		if !filepath.IsAbs(d) {
			d = filepath.Join(workdir, d)
		}
		return filepath.Clean(d)
	}

	var targets []string
	for _, d := range []struct{ field, path string }{
		{"dirs.build", dirs.Build},
		{"dirs.image", dirs.Image},
		{"dirs.audio", dirs.Audio},
	} {
		if d.path == "" {
			continue
		}
		target := resolve(d.path)
		if contains(target, workdir) {
			return nil, &ConfigError{Field: d.field, Reason: fmt.Sprintf("refusing to remove %s: it contains the project", target)}
		}
		targets = append(targets, target)
	}

	outputDir := resolve(dirs.Output)
	fsys := os.DirFS(outputDir)
	for _, pat := range cleanPatterns {
		matches, err := doublestar.Glob(fsys, pat, doublestar.WithFilesOnly())
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			targets = append(targets, filepath.Join(outputDir, filepath.FromSlash(m)))
		}
	}
	slices.Sort(targets)
	targets = slices.Compact(targets)

	var removed []string
	for _, t := range targets {
		if _, err := os.Lstat(t); err == nil {
			removed = append(removed, t)
		}
	}

	var eg errgroup.Group
	for _, t := range removed {
		eg.Go(func() error {
			return os.RemoveAll(t)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return removed, nil
}

// contains reports whether dir is path itself or one of its ancestors.
func contains(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
