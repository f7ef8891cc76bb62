// discforge run [path] [-- emulator args]
package cmd

import (
	"github.com/qobs-build/discforge/internal/builder"
	"github.com/qobs-build/discforge/internal/msg"
	"github.com/spf13/cobra"
)

func doRun(cmd *cobra.Command, args []string) {
	applyColor()
	target := "."
	if n := cmd.ArgsLenAtDash(); n != 0 && len(args) > 0 {
		target = args[0]
		args = args[1:] // other arguments will be passed to the emulator
	}
	b, err := builder.NewBuilderInDirectory(target)
	if err != nil {
		msg.Fatal("%v", err)
	}
	if err := b.BuildAndRun(args, buildOptions()); err != nil {
		fatalBuildError(err)
	}
}

var runCmd = &cobra.Command{
	Use:   "run [target path] [-- emulator args]",
	Short: "Build the disc image and boot it in an emulator",
	Long:  `Build the disc image and boot its cue sheet with [run].emulator. If no target path is given, uses "."`,
	Args:  cobra.ArbitraryArgs,
	Run:   doRun,
}

func init() {
	// discforge run subcommand
	rootCmd.AddCommand(runCmd)
	addBuildFlags(runCmd)
}
