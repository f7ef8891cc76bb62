// discforge init [name], discforge new [path]
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/qobs-build/discforge/internal/builder"
	"github.com/qobs-build/discforge/internal/msg"
	"github.com/spf13/cobra"
)

func writefile(content string, elem ...string) {
	path := filepath.Join(elem...)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.WriteFile(path, []byte(content), 0o644); err != nil {
			msg.Fatal("create file %s: %v", path, err)
		}
		fmt.Printf("%s file: %s\n", color.HiGreenString("Created"), filepath.ToSlash(path))
	}
}

func mkdir(elem ...string) {
	path := filepath.Join(elem...)
	if err := os.MkdirAll(path, 0o755); err != nil {
		msg.Fatal("mkdir %s: %v", path, err)
	}
}

func getProgramName() string {
	if len(os.Args) == 0 {
		return "discforge"
	}
	basename := filepath.Base(os.Args[0])
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

// discTitle turns a package name into a boot header title.
func discTitle(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", " ", "_", " ").Replace(name))
}

// initIn initializes a disc project in an existing specified directory
func initIn(dir, name string, cxx bool) {
	sources := `["src/**.c", "src/**.sx"]`
	if cxx {
		sources = `["src/**.c", "src/**.cxx", "src/**.sx"]`
	}

	writefile(`[package]
name = "`+name+`"
description = "This is where I make a game."

[target]
sources = `+sources+`

[toolchain]
# defaults to $YAUL_INSTALL_ROOT
# root = "/opt/tool-chains/sh2eb-elf"

[ip]
title = "`+discTitle(name)+`"

[assets]
# "assets/font.bin" = "font"

[run]
emulator = "mednafen"
`, dir, builder.ConfigFilename)

	mkdir(dir, "src")

	if cxx {
		writefile(`#include <yaul.h>

int
main(void)
{
        for (;;) {
                vdp2_sync();
                vdp2_sync_wait();
        }
}
`, dir, "src", "main.cxx")
	} else {
		writefile(`#include <yaul.h>

int
main(void)
{
        for (;;) {
                vdp2_sync();
                vdp2_sync_wait();
        }

        return 0;
}
`, dir, "src", "main.c")
	}

	// .gitignore
	writefile(`build/
cd/
audio-tracks/
*.iso
*.cue
`, dir, ".gitignore")

	programName := getProgramName()
	fmt.Printf("You can now do %s to build, or %s to build and boot it.\n",
		color.HiCyanString(programName+" build "+dir), color.HiCyanString(programName+" run "+dir))
}

var cxxProject bool

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create a new disc project in the current directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		initIn(".", args[0], cxxProject)
	},
}

var newCmd = &cobra.Command{
	Use:   "new [path]",
	Short: "Create a new disc project in a new directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mkdir(args[0])
		initIn(args[0], filepath.Base(args[0]), cxxProject)
	},
}

func init() {
	// discforge init subcommand
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&cxxProject, "cxx", "x", false, "Start from a C++ main")

	// discforge new subcommand
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().BoolVarP(&cxxProject, "cxx", "x", false, "Start from a C++ main")
}
