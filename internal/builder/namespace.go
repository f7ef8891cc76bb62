package builder

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// NamespaceSeparator replaces directory separators in namespaced build paths.
const NamespaceSeparator = '@'

// the escapes make the encoding reversible, so distinct absolute paths can
// never collapse onto the same flat name
var namespaceEscaper = strings.NewReplacer(
	"%", "%25",
	"@", "%40",
	":", "%3A",
)

// canonicalPath returns the absolute form of path with symlinks resolved.
// A path that does not exist yet (e.g. a prospective object file) is only
// made absolute; a dangling symlink is an error.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &PathResolutionError{Path: path, Err: err}
	}

	resolved, err := filepath.EvalSymlinks(abs)
	switch {
	case err == nil:
		abs = resolved
	case errors.Is(err, fs.ErrNotExist):
		if fi, lerr := os.Lstat(abs); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			return "", &PathResolutionError{Path: path, Err: errors.New("dangling symlink")}
		}
		// a missing leaf is fine, but its directory may still be a symlink
		if dir, derr := filepath.EvalSymlinks(filepath.Dir(abs)); derr == nil {
			abs = filepath.Join(dir, filepath.Base(abs))
		}
	default:
		return "", &PathResolutionError{Path: path, Err: err}
	}

	if !utf8.ValidString(abs) {
		return "", &PathResolutionError{Path: path, Err: errors.New("path is not valid UTF-8")}
	}
	return abs, nil
}

// flatName encodes an absolute path as a single filename component.
func flatName(abs string) string {
	s := filepath.ToSlash(abs)
	s = namespaceEscaper.Replace(s)
	return strings.ReplaceAll(s, "/", string(NamespaceSeparator))
}

// Namespace maps path onto a flat, collision-free file inside buildRoot:
// /home/me/game/src/main.o becomes <buildRoot>/@home@me@game@src@main.o.
func Namespace(buildRoot, path string) (string, error) {
	abs, err := canonicalPath(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(buildRoot, flatName(abs)), nil
}

// ObjectPath returns the namespaced object file for a source file. The
// source is resolved first so that its object lands next to the same
// flat name no matter which alias the source was given by.
func ObjectPath(buildRoot, src string) (string, error) {
	abs, err := canonicalPath(src)
	if err != nil {
		return "", err
	}
	return filepath.Join(buildRoot, flatName(withExt(abs, ".o"))), nil
}

func withExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
