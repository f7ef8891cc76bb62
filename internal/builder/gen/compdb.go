package gen

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// CompileDatabaseFile is the clang tooling file name.
const CompileDatabaseFile = "compile_commands.json"

// CompileEntry is one translation unit in a compile database.
type CompileEntry struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Arguments []string `json:"arguments"`
	Output    string   `json:"output,omitempty"`
}

// CompileDatabase collects compile commands for editor tooling.
type CompileDatabase struct {
	entries []CompileEntry
}

func (db *CompileDatabase) Add(dir, file, output, compiler string, args []string) {
	db.entries = append(db.entries, CompileEntry{
		Directory: dir,
		File:      file,
		Arguments: append([]string{compiler}, args...),
		Output:    output,
	})
}

// Generate renders the database sorted by file name.
func (db *CompileDatabase) Generate() ([]byte, error) {
	entries := slices.Clone(db.entries)
	slices.SortFunc(entries, func(a, b CompileEntry) int {
		return strings.Compare(a.File, b.File)
	})
	if entries == nil {
		entries = []CompileEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteIfChanged writes the database into dir unless the file already has
// identical content, so an up-to-date build leaves its mtime alone.
// It reports whether the file was written.
func (db *CompileDatabase) WriteIfChanged(dir string) (bool, error) {
	data, err := db.Generate()
	if err != nil {
		return false, err
	}
	path := filepath.Join(dir, CompileDatabaseFile)

	old, err := os.ReadFile(path)
	if err == nil && bytes.Equal(old, data) {
		return false, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, err
	}
	return true, nil
}
