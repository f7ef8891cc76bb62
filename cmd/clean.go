// discforge clean [path]
package cmd

import (
	"path/filepath"

	"github.com/qobs-build/discforge/internal/builder"
	"github.com/qobs-build/discforge/internal/msg"
	"github.com/spf13/cobra"
)

func doClean(cmd *cobra.Command, args []string) {
	applyColor()
	dir, err := filepath.Abs(targetDir(args))
	if err != nil {
		msg.Fatal("%v", err)
	}
	removed, err := builder.CleanDirectory(dir)
	if err != nil {
		msg.Fatal("clean: %v", err)
	}
	for _, path := range removed {
		if rel, err := filepath.Rel(dir, path); err == nil {
			path = rel
		}
		msg.Info("removed %s", filepath.ToSlash(path))
	}
}

var cleanCmd = &cobra.Command{
	Use:   "clean [target path]",
	Short: "Remove build outputs, staging directories and disc images",
	Args:  cobra.MaximumNArgs(1),
	Run:   doClean,
}

func init() {
	// discforge clean subcommand
	rootCmd.AddCommand(cleanCmd)
}
