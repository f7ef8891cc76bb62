// discforge build [path]
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/qobs-build/discforge/internal/builder"
	"github.com/qobs-build/discforge/internal/msg"
	"github.com/spf13/cobra"
)

var (
	flagProfile string
	flagVerbose bool
	flagColor   EnumValue = NewEnumValue("auto", map[string]string{
		"auto":   "Colour when writing to a terminal (default)",
		"always": "Always colour output",
		"never":  "Never colour output",
	})
)

func applyColor() {
	switch flagColor.Value() {
	case "always":
		color.NoColor = false
	case "never":
		color.NoColor = true
	}
}

func buildOptions() builder.Options {
	return builder.Options{
		Profile: flagProfile,
		Verbose: flagVerbose,
		Printer: msg.NewPrinter(flagVerbose),
	}
}

// fatalBuildError reports a failed build with a hint matching the error class.
func fatalBuildError(err error) {
	var cfgErr *builder.ConfigError
	var stageErr *builder.StageExecutionError
	switch {
	case errors.As(err, &stageErr):
		msg.Fatal("%v\n(artifacts of completed stages were kept; re-run to resume)", err)
	case errors.As(err, &cfgErr):
		msg.Fatal("invalid %s:\n%v", builder.ConfigFilename, err)
	default:
		msg.Fatal("%v", err)
	}
}

func targetDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

func doBuild(cmd *cobra.Command, args []string) {
	applyColor()
	b, err := builder.NewBuilderInDirectory(targetDir(args))
	if err != nil {
		msg.Fatal("%v", err)
	}
	if _, err := b.Build(buildOptions()); err != nil {
		fatalBuildError(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "discforge <command>",
	Short: "Build bootable disc images for the Sega Saturn",
	Long: `discforge compiles a project's C, C++ and assembly sources with the SH-2
cross toolchain, links them and packs the result into a bootable disc image
and cue sheet. Only stale artifacts are rebuilt.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var buildCmd = &cobra.Command{
	Use:   "build [target path]",
	Short: "Build the disc image",
	Long:  `Build the disc image. If no target path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

func init() {
	// discforge build subcommand
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)

	rootCmd.PersistentFlags().VarP(&flagColor, "color", "", "Colour output, one of "+flagColor.HelpString())
	rootCmd.RegisterFlagCompletionFunc("color", flagColor.CompletionFunc())
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagProfile, "profile", "p", "debug", "Build with the given profile")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Show tool command lines and up-to-date artifacts")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
