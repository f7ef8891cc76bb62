package builder

import (
	"os"
	"os/exec"
	"path/filepath"
	"slices"
)

// warning flags shared by C, C++ and assembly
var sharedCflags = []string{
	"-W",
	"-Wall",
	"-Wduplicated-branches",
	"-Wduplicated-cond",
	"-Wextra",
	"-Winit-self",
	"-Wmissing-include-dirs",
	"-Wno-format",
	"-Wno-main",
	"-Wnull-dereference",
	"-Wshadow",
	"-Wstrict-aliasing",
	"-Wunused",
	"-Wunused-parameter",
	"-save-temps=obj",
}

var (
	baseCflags = []string{
		"-std=c11",
		"-Wbad-function-cast",
	}
	baseCxxflags = []string{
		"-std=c++17",
		"-fno-exceptions",
		"-fno-rtti",
		"-fno-unwind-tables",
		"-fno-asynchronous-unwind-tables",
		"-fno-threadsafe-statics",
		"-fno-use-cxa-atexit",
	}
	baseLdflags = []string{
		"-static",
		"-Wl,--gc-sections",
	}
)

// Toolchain holds the resolved paths of every external program the pipeline runs.
type Toolchain struct {
	Root   string
	Prefix string

	CC      string
	CXX     string
	LD      string
	NM      string
	Objcopy string
	Objdump string

	Bin2o     string
	MakeIP    string
	MakeISO   string
	MakeCUE   string
	WrapError string // empty disables wrapping

	// IPSource is the boot header template; IP.BIN is rebuilt when it changes
	IPSource   string
	IncludeDir string
}

// NewToolchain resolves tool paths below root. SH_CC, SH_CXX and SH_LD in
// environ override the compiler and linker.
func NewToolchain(tc ToolchainSection, environ map[string]string) *Toolchain {
	bin := filepath.Join(tc.Root, "bin")
	t := &Toolchain{
		Root:   tc.Root,
		Prefix: tc.Prefix,

		CC:      findTool(bin, tc.Prefix+"-gcc", environ["SH_CC"]),
		CXX:     findTool(bin, tc.Prefix+"-g++", environ["SH_CXX"]),
		NM:      findTool(bin, tc.Prefix+"-gcc-nm", ""),
		Objcopy: findTool(bin, tc.Prefix+"-objcopy", ""),
		Objdump: findTool(bin, tc.Prefix+"-objdump", ""),

		Bin2o:   filepath.Join(bin, "bin2o"),
		MakeIP:  filepath.Join(bin, "make-ip"),
		MakeISO: filepath.Join(bin, "make-iso"),
		MakeCUE: filepath.Join(bin, "make-cue"),

		IPSource:   filepath.Join(tc.Root, "share", "yaul", "ip", "ip.sx"),
		IncludeDir: filepath.Join(tc.Root, tc.Prefix, "include", "yaul"),
	}
	t.LD = t.CC
	if ld := environ["SH_LD"]; ld != "" {
		t.LD = ld
	}
	if tc.WrapError {
		t.WrapError = filepath.Join(tc.Root, "share", "wrap-error")
	}
	return t
}

// findTool prefers an explicit override, then the toolchain's bin
// directory, then PATH. If nothing is found the bin path is returned so the
// spawn error names the expected location.
func findTool(bin, name, override string) string {
	if override != "" {
		return override
	}
	path := filepath.Join(bin, name)
	if _, err := os.Stat(path); err == nil {
		return path
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return path
}

// wrapped routes a console image tool through wrap-error when enabled.
func (t *Toolchain) wrapped(tool string, args ...string) Command {
	if t.WrapError == "" {
		return Command{Path: tool, Args: args}
	}
	return Command{Path: t.WrapError, Args: append([]string{tool}, args...)}
}

// Flags are the fully assembled flag lists for one build.
type Flags struct {
	C        []string
	Cxx      []string
	Ld       []string
	Specs    []string
	CxxSpecs []string
}

// NewFlags combines the fixed flags with the project's configuration.
// cxxSpecs is only used when the project has C++ sources, which keeps
// C-only programs free of the C++ runtime.
func NewFlags(cfg *Config, tc *Toolchain, opt []string, mapFile string, hasCxx bool) Flags {
	include := "-I" + tc.IncludeDir

	f := Flags{
		C:   slices.Concat(baseCflags, sharedCflags, []string{include}, opt, cfg.Target.Cflags),
		Cxx: slices.Concat(baseCxxflags, sharedCflags, []string{include}, opt, cfg.Target.Cxxflags),
		Ld: slices.Concat(baseLdflags, []string{"-Wl,-Map," + mapFile}, cfg.Target.Ldflags, []string{
			"-Wl,--defsym=___master_stack=" + cfg.IP.MainStackAddr,
			"-Wl,--defsym=___slave_stack=" + cfg.IP.SubStackAddr,
		}),
	}
	for _, sym := range cfg.Target.Defsyms {
		f.Ld = append(f.Ld, "-Wl,--defsym="+sym)
	}
	for _, spec := range cfg.Target.Specs {
		f.Specs = append(f.Specs, "-specs="+spec)
	}
	if hasCxx {
		for _, spec := range cfg.Target.CxxSpecs {
			f.CxxSpecs = append(f.CxxSpecs, "-specs="+spec)
		}
	}
	return f
}

// CompileCommand builds the compiler invocation for one translation unit.
// C and C++ units also emit a dependency file next to the object.
func (t *Toolchain) CompileCommand(f Flags, role Role, src, obj string) Command {
	depArgs := []string{"-MT", obj, "-MF", withExt(obj, ".d"), "-MD"}
	out := []string{"-c", "-o", obj, src}

	switch role {
	case RoleCxx:
		return Command{Path: t.CXX, Args: slices.Concat(depArgs, f.Cxx, f.Specs, f.CxxSpecs, out)}
	case RoleAsm:
		return Command{Path: t.CC, Args: slices.Concat(f.C, out)}
	default:
		return Command{Path: t.CC, Args: slices.Concat(depArgs, f.C, f.Specs, out)}
	}
}

func (t *Toolchain) LinkCommand(f Flags, objs []string, elf string) Command {
	return Command{Path: t.LD, Args: slices.Concat(f.Specs, f.CxxSpecs, objs, f.Ld, []string{"-o", elf})}
}

func (t *Toolchain) SymbolDumpCommand(elf, sym string) Command {
	return Command{Path: t.NM, Args: []string{elf}, Stdout: sym}
}

func (t *Toolchain) DisassembleCommand(elf, asm string) Command {
	return Command{Path: t.Objdump, Args: []string{"-S", elf}, Stdout: asm}
}

func (t *Toolchain) ExtractCommand(elf, bin string) Command {
	return Command{Path: t.Objcopy, Args: []string{"-O", "binary", elf, bin}}
}

func (t *Toolchain) AssetCommand(asset, symbol, obj string) Command {
	return Command{Path: t.Bin2o, Args: []string{asset, symbol, obj}}
}

// HeaderCommand runs make-ip in the build directory, where it writes IP.BIN.
func (t *Toolchain) HeaderCommand(ip IPSection, bin, buildDir string) Command {
	c := t.wrapped(t.MakeIP,
		bin,
		ip.Version,
		ip.ReleaseDate,
		ip.Areas,
		ip.Peripherals,
		ip.Title,
		ip.MainStackAddr,
		ip.SubStackAddr,
		ip.FirstReadAddr,
		ip.FirstReadSize,
	)
	c.Dir = buildDir
	return c
}

func (t *Toolchain) ImageCommand(imageDir, ipBin, outputDir, program string) Command {
	return t.wrapped(t.MakeISO, imageDir, ipBin, outputDir, program)
}

func (t *Toolchain) CueCommand(audioDir, iso string) Command {
	return t.wrapped(t.MakeCUE, audioDir, iso)
}
