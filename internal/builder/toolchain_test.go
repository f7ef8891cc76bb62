package builder

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewToolchain(t *testing.T) {
	root := t.TempDir()
	touchFiles(t, root, "bin/sh2eb-elf-gcc")

	tc := NewToolchain(ToolchainSection{Root: root, Prefix: "sh2eb-elf", WrapError: true}, nil)
	assert.Equal(t, filepath.Join(root, "bin", "sh2eb-elf-gcc"), tc.CC)
	assert.Equal(t, tc.CC, tc.LD, "linking goes through the compiler driver")
	assert.Equal(t, filepath.Join(root, "bin", "make-iso"), tc.MakeISO)
	assert.Equal(t, filepath.Join(root, "share", "wrap-error"), tc.WrapError)
	assert.Equal(t, filepath.Join(root, "share", "yaul", "ip", "ip.sx"), tc.IPSource)
}

func TestNewToolchainOverrides(t *testing.T) {
	root := t.TempDir()
	tc := NewToolchain(ToolchainSection{Root: root, Prefix: "sh2eb-elf"}, map[string]string{
		"SH_CC":  "/usr/bin/my-gcc",
		"SH_CXX": "/usr/bin/my-g++",
		"SH_LD":  "/usr/bin/my-ld",
	})
	assert.Equal(t, "/usr/bin/my-gcc", tc.CC)
	assert.Equal(t, "/usr/bin/my-g++", tc.CXX)
	assert.Equal(t, "/usr/bin/my-ld", tc.LD)
	assert.Empty(t, tc.WrapError)
}

func TestWrapped(t *testing.T) {
	tc := &Toolchain{MakeCUE: "/opt/yaul/bin/make-cue"}
	assert.Equal(t, Command{Path: "/opt/yaul/bin/make-cue", Args: []string{"audio", "demo.iso"}},
		tc.CueCommand("audio", "demo.iso"))

	tc.WrapError = "/opt/yaul/share/wrap-error"
	assert.Equal(t, Command{Path: "/opt/yaul/share/wrap-error", Args: []string{"/opt/yaul/bin/make-cue", "audio", "demo.iso"}},
		tc.CueCommand("audio", "demo.iso"))
}

func TestNewFlags(t *testing.T) {
	cfg := &Config{
		Target: TargetSection{
			Cflags:   []string{"-DGAME"},
			Cxxflags: []string{"-DGAMEXX"},
			Ldflags:  []string{"-Wl,--print-memory-usage"},
			Defsyms:  []string{"_heap=0x06080000"},
			Specs:    []string{"yaul.specs"},
			CxxSpecs: []string{"yaul-main-c++.specs"},
		},
		IP: IPSection{MainStackAddr: "0x06004000", SubStackAddr: "0x06001E00"},
	}
	tc := &Toolchain{IncludeDir: "/opt/yaul/sh2eb-elf/include/yaul"}

	f := NewFlags(cfg, tc, []string{"-O2"}, "build/demo.map", false)
	assert.Equal(t, "-std=c11", f.C[0])
	assert.Subset(t, f.C, []string{"-O2", "-DGAME", "-I/opt/yaul/sh2eb-elf/include/yaul"})
	assert.NotContains(t, f.C, "-DGAMEXX")
	assert.Subset(t, f.Cxx, []string{"-O2", "-DGAMEXX", "-fno-exceptions"})
	assert.Equal(t, []string{
		"-static",
		"-Wl,--gc-sections",
		"-Wl,-Map,build/demo.map",
		"-Wl,--print-memory-usage",
		"-Wl,--defsym=___master_stack=0x06004000",
		"-Wl,--defsym=___slave_stack=0x06001E00",
		"-Wl,--defsym=_heap=0x06080000",
	}, f.Ld)
	assert.Equal(t, []string{"-specs=yaul.specs"}, f.Specs)
	assert.Empty(t, f.CxxSpecs)

	f = NewFlags(cfg, tc, nil, "build/demo.map", true)
	assert.Equal(t, []string{"-specs=yaul-main-c++.specs"}, f.CxxSpecs)
}

func TestCompileCommand(t *testing.T) {
	tc := &Toolchain{CC: "gcc", CXX: "g++"}
	f := Flags{C: []string{"-std=c11"}, Cxx: []string{"-std=c++17"}, Specs: []string{"-specs=a"}, CxxSpecs: []string{"-specs=b"}}

	assert.Equal(t, Command{Path: "gcc", Args: []string{
		"-MT", "o/main.o", "-MF", "o/main.d", "-MD", "-std=c11", "-specs=a", "-c", "-o", "o/main.o", "src/main.c",
	}}, tc.CompileCommand(f, RoleC, "src/main.c", "o/main.o"))

	assert.Equal(t, Command{Path: "g++", Args: []string{
		"-MT", "o/game.o", "-MF", "o/game.d", "-MD", "-std=c++17", "-specs=a", "-specs=b", "-c", "-o", "o/game.o", "src/game.cxx",
	}}, tc.CompileCommand(f, RoleCxx, "src/game.cxx", "o/game.o"))

	assert.Equal(t, Command{Path: "gcc", Args: []string{
		"-std=c11", "-c", "-o", "o/start.o", "src/start.sx",
	}}, tc.CompileCommand(f, RoleAsm, "src/start.sx", "o/start.o"))
}
