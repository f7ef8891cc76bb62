package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Role is the part a source file plays in the build, inferred from its extension.
type Role int

const (
	RoleUnknown Role = iota
	RoleC
	RoleCxx
	RoleAsm
	RoleObject
)

func (r Role) String() string {
	switch r {
	case RoleC:
		return "C"
	case RoleCxx:
		return "C++"
	case RoleAsm:
		return "asm"
	case RoleObject:
		return "object"
	default:
		return "unknown"
	}
}

// RoleOf classifies a path by extension. The match is case-sensitive: `.C`
// is C++ while `.c` is C.
func RoleOf(path string) Role {
	switch filepath.Ext(path) {
	case ".c":
		return RoleC
	case ".cxx", ".cpp", ".cc", ".C":
		return RoleCxx
	case ".sx":
		return RoleAsm
	case ".o":
		return RoleObject
	default:
		return RoleUnknown
	}
}

// SourceSet is a deduplicated, partitioned source list. All paths are canonical.
type SourceSet struct {
	// All is every unique path in sorted order, including ignored ones
	All     []string
	C       []string
	Cxx     []string
	Asm     []string
	Objects []string
	Ignored []string
}

// Compiled returns the translation units in compile order: C, then C++, then asm.
func (s *SourceSet) Compiled() []string {
	return slices.Concat(s.C, s.Cxx, s.Asm)
}

// Classify canonicalises, deduplicates and partitions paths. Two spellings
// of the same file are merged. Any path that cannot be resolved is an error.
func Classify(paths []string) (*SourceSet, error) {
	all := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := canonicalPath(p)
		if err != nil {
			return nil, err
		}
		all = append(all, abs)
	}
	slices.Sort(all)
	all = slices.Compact(all)

	set := &SourceSet{All: all}
	for _, p := range all {
		switch RoleOf(p) {
		case RoleC:
			set.C = append(set.C, p)
		case RoleCxx:
			set.Cxx = append(set.Cxx, p)
		case RoleAsm:
			set.Asm = append(set.Asm, p)
		case RoleObject:
			set.Objects = append(set.Objects, p)
		default:
			set.Ignored = append(set.Ignored, p)
		}
	}
	return set, nil
}

// collectSources expands the source patterns of a project rooted at basedir.
// Relative patterns are taken relative to basedir and may point outside of
// it. A glob that matches nothing yields a warning; a literal path that does
// not exist is an error.
func collectSources(basedir string, patterns []string, warn func(string, ...any)) ([]string, error) {
	var files []string
	for _, pat := range patterns {
		full := filepath.Clean(pat)
		if !filepath.IsAbs(full) {
			full = filepath.Join(basedir, full)
		}

		if !hasGlobMeta(pat) {
			if _, err := os.Lstat(full); err != nil {
				return nil, &PathResolutionError{Path: pat, Err: err}
			}
			files = append(files, full)
			continue
		}

		// glob from the static prefix so that ".." and absolute roots work
		base, rest := doublestar.SplitPattern(filepath.ToSlash(full))
		matches, err := doublestar.Glob(os.DirFS(filepath.FromSlash(base)), rest, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("bad source pattern %q: %w", pat, err)
		}
		if len(matches) == 0 && warn != nil {
			warn("source pattern %q matched no files", pat)
		}
		for _, match := range matches {
			files = append(files, filepath.Join(filepath.FromSlash(base), filepath.FromSlash(match)))
		}
	}
	return files, nil
}

func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}
