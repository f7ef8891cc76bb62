package builder

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/qobs-build/discforge/internal/msg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner pretends to be the cross toolchain: every invocation is
// recorded and its outputs are written with strictly increasing mtimes.
type fakeRunner struct {
	t     *testing.T
	calls []Command
	clock time.Time
	// fail makes the named tool exit with an error
	fail map[string]error
	// deps lists extra prerequisites written into a unit's depfile
	deps map[string][]string
}

func newFakeRunner(t *testing.T) *fakeRunner {
	return &fakeRunner{
		t:     t,
		clock: time.Now().Add(time.Minute).Truncate(time.Second),
		fail:  make(map[string]error),
		deps:  make(map[string][]string),
	}
}

func (f *fakeRunner) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

// touch bumps path past every artifact written so far.
func (f *fakeRunner) touch(path string) {
	f.t.Helper()
	mtime := f.tick()
	require.NoError(f.t, os.Chtimes(path, mtime, mtime))
}

func (f *fakeRunner) write(path, content string) {
	f.t.Helper()
	require.NoError(f.t, os.WriteFile(path, []byte(content), 0644))
	mtime := f.tick()
	require.NoError(f.t, os.Chtimes(path, mtime, mtime))
}

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func (f *fakeRunner) Run(c Command) error {
	f.calls = append(f.calls, c)

	path, args := c.Path, c.Args
	if filepath.Base(path) == "wrap-error" {
		path, args = args[0], args[1:]
	}
	tool := filepath.Base(path)
	if err := f.fail[tool]; err != nil {
		return err
	}

	switch {
	case c.Stdout != "":
		f.write(c.Stdout, tool+" output")
	case strings.HasSuffix(tool, "-gcc"), strings.HasSuffix(tool, "-g++"):
		obj := argAfter(args, "-o")
		if slices.Contains(args, "-c") {
			src := args[len(args)-1]
			if dep := argAfter(args, "-MF"); dep != "" {
				prereqs := append([]string{src}, f.deps[src]...)
				f.write(dep, obj+": "+strings.Join(prereqs, " ")+"\n")
			}
			f.write(obj, "object of "+src)
			return nil
		}
		for _, a := range args {
			if m, ok := strings.CutPrefix(a, "-Wl,-Map,"); ok {
				f.write(m, "map")
			}
		}
		f.write(obj, "elf")
	case strings.HasSuffix(tool, "-objcopy"):
		f.write(args[3], "program binary")
	case tool == "bin2o":
		f.write(args[2], "asset "+args[1])
	case tool == "make-ip":
		f.write(filepath.Join(c.Dir, "IP.BIN"), "ip")
	case tool == "make-iso":
		_, err := os.Stat(filepath.Join(args[0], "A.BIN"))
		require.NoError(f.t, err, "first read binary must be staged before imaging")
		f.write(filepath.Join(args[2], args[3]+".iso"), "iso")
	case tool == "make-cue":
		f.write(withExt(args[1], ".cue"), "cue")
	default:
		return fmt.Errorf("unexpected tool %s", tool)
	}
	return nil
}

// tools returns the unwrapped tool names invoked since call index from.
func (f *fakeRunner) tools(from int) []string {
	var names []string
	for _, c := range f.calls[from:] {
		path := c.Path
		if filepath.Base(path) == "wrap-error" {
			path = c.Args[0]
		}
		names = append(names, filepath.Base(path))
	}
	return names
}

type project struct {
	t      *testing.T
	dir    string
	root   string
	runner *fakeRunner
	out    bytes.Buffer
	errOut bytes.Buffer
}

func newProject(t *testing.T, disc string, files ...string) *project {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	touchFiles(t, root, "share/yaul/ip/ip.sx")
	touchFiles(t, dir, files...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(disc), 0644))

	return &project{t: t, dir: dir, root: root, runner: newFakeRunner(t)}
}

func (p *project) path(rel string) string {
	return filepath.Join(p.dir, filepath.FromSlash(rel))
}

func (p *project) env() ConfigEnv {
	env := testEnv(p.dir)
	env.Environ = map[string]string{"YAUL_INSTALL_ROOT": p.root}
	return env
}

func (p *project) pipeline() *Pipeline {
	p.t.Helper()
	env := p.env()
	cfg, err := ParseConfigFromFile(p.path(ConfigFilename), env)
	require.NoError(p.t, err)
	require.NoError(p.t, cfg.Validate())

	pl, err := NewPipeline(cfg, p.dir, env, Options{
		Runner:  p.runner,
		Printer: &msg.Printer{Out: &p.out, Err: &p.errOut},
	})
	require.NoError(p.t, err)
	return pl
}

func (p *project) build() *Report {
	p.t.Helper()
	report, err := p.pipeline().Run()
	require.NoError(p.t, err)
	return report
}

const demoDisc = `
[package]
name = "demo"

[target]
sources = ["src/*"]

[ip]
title = "DEMO"
release-date = "20241030"
`

func TestPipelineFirstBuild(t *testing.T) {
	p := newProject(t, demoDisc, "src/main.c")
	require.NoError(t, os.MkdirAll(p.path("cd"), 0755))
	require.NoError(t, os.WriteFile(p.path("cd/ABS.TXT"), []byte("mine"), 0644))

	report := p.build()

	assert.Equal(t, []Stage{StageCompile, StageLink, StageExtract, StageHeader, StageImage, StageCue}, report.Stages)
	assert.Equal(t, []string{p.path("src/main.c")}, report.Compiled)
	assert.Equal(t, len(p.runner.calls), report.Invocations)

	objs, err := filepath.Glob(filepath.Join(p.path("build"), "*@src@main.o"))
	require.NoError(t, err)
	assert.Len(t, objs, 1)
	for _, f := range []string{
		"build/demo.elf", "build/demo.bin", "build/demo.map", "build/demo.sym", "build/demo.asm",
		"build/IP.BIN", "build/compile_commands.json", "demo.iso", "demo.cue",
	} {
		assert.FileExists(t, p.path(f))
	}
	assert.DirExists(t, p.path("audio-tracks"))

	bin, err := os.ReadFile(p.path("build/demo.bin"))
	require.NoError(t, err)
	staged, err := os.ReadFile(p.path("cd/A.BIN"))
	require.NoError(t, err)
	assert.Equal(t, bin, staged)

	abs, err := os.ReadFile(p.path("cd/ABS.TXT"))
	require.NoError(t, err)
	assert.Equal(t, "mine", string(abs), "existing metadata files are left alone")
	for _, name := range []string{"BIB.TXT", "CPY.TXT"} {
		data, err := os.ReadFile(p.path("cd/" + name))
		require.NoError(t, err)
		assert.Equal(t, placeholderText, string(data))
	}

	assert.Contains(t, p.out.String(), "Compiling src/main.c (C)")
	assert.Contains(t, p.out.String(), "finished demo.iso")
}

func TestPipelineCommandShapes(t *testing.T) {
	p := newProject(t, demoDisc, "src/main.c", "src/start.sx")
	p.build()

	var cc, asm, ld, ip *Command
	for i, c := range p.runner.calls {
		switch {
		case strings.HasSuffix(c.Path, "-gcc") && slices.Contains(c.Args, p.path("src/main.c")):
			cc = &p.runner.calls[i]
		case strings.HasSuffix(c.Path, "-gcc") && slices.Contains(c.Args, p.path("src/start.sx")):
			asm = &p.runner.calls[i]
		case strings.HasSuffix(c.Path, "-gcc") && !slices.Contains(c.Args, "-c"):
			ld = &p.runner.calls[i]
		case len(c.Args) > 0 && filepath.Base(c.Args[0]) == "make-ip":
			ip = &p.runner.calls[i]
		}
	}
	require.NotNil(t, cc)
	require.NotNil(t, asm)
	require.NotNil(t, ld)
	require.NotNil(t, ip)

	assert.Equal(t, filepath.Join(p.root, "bin", "sh2eb-elf-gcc"), cc.Path)
	assert.Subset(t, cc.Args, []string{"-MD", "-std=c11", "-Og", "-specs=yaul.specs", "-specs=yaul-main.specs", "-I" + filepath.Join(p.root, "sh2eb-elf", "include", "yaul")})
	assert.NotContains(t, cc.Args, "-specs=yaul-main-c++.specs")
	assert.NotContains(t, asm.Args, "-MD")

	assert.Subset(t, ld.Args, []string{
		"-static",
		"-Wl,-Map," + p.path("build/demo.map"),
		"-Wl,--defsym=___master_stack=0x06004000",
		"-Wl,--defsym=___slave_stack=0x06001E00",
	})
	assert.Equal(t, p.path("build/demo.elf"), ld.Args[len(ld.Args)-1])

	assert.Equal(t, filepath.Join(p.root, "share", "wrap-error"), ip.Path)
	assert.Equal(t, p.path("build"), ip.Dir)
	assert.Equal(t, []string{
		p.path("build/demo.bin"), "V1.000", "20241030", "JTUBKAEL", "JAMKST", "DEMO",
		"0x06004000", "0x06001E00", "0x06004000", "0",
	}, ip.Args[1:])
}

func TestPipelineCxxSpecs(t *testing.T) {
	p := newProject(t, demoDisc, "src/main.cxx", "src/util.c")
	p.build()

	var cxx, ld *Command
	for i, c := range p.runner.calls {
		if strings.HasSuffix(c.Path, "-g++") {
			cxx = &p.runner.calls[i]
		}
		if strings.HasSuffix(c.Path, "-gcc") && !slices.Contains(c.Args, "-c") {
			ld = &p.runner.calls[i]
		}
	}
	require.NotNil(t, cxx)
	require.NotNil(t, ld)
	assert.Subset(t, cxx.Args, []string{"-std=c++17", "-fno-rtti", "-specs=yaul-main-c++.specs"})
	assert.Contains(t, ld.Args, "-specs=yaul-main-c++.specs")
}

func TestPipelineUpToDate(t *testing.T) {
	p := newProject(t, demoDisc, "src/main.c", "src/other.c")
	p.build()
	calls := len(p.runner.calls)

	report := p.build()
	assert.Zero(t, report.Invocations)
	assert.Empty(t, report.Stages)
	assert.Len(t, p.runner.calls, calls)
	assert.Contains(t, p.out.String(), "demo is up to date")
}

func TestPipelineTouchedSource(t *testing.T) {
	p := newProject(t, demoDisc, "src/main.c", "src/other.c")
	p.build()
	from := len(p.runner.calls)

	p.runner.touch(p.path("src/other.c"))
	report := p.build()

	assert.Equal(t, []string{p.path("src/other.c")}, report.Compiled)
	assert.Equal(t, []Stage{StageCompile, StageLink, StageExtract, StageHeader, StageImage, StageCue}, report.Stages)
	assert.Equal(t, []string{
		"sh2eb-elf-gcc", // compile
		"sh2eb-elf-gcc", // link
		"sh2eb-elf-gcc-nm",
		"sh2eb-elf-objdump",
		"sh2eb-elf-objcopy",
		"make-ip",
		"make-iso",
		"make-cue",
	}, p.runner.tools(from))
}

func TestPipelineHeaderTemplateChange(t *testing.T) {
	p := newProject(t, demoDisc, "src/main.c")
	p.build()

	p.runner.touch(filepath.Join(p.root, "share", "yaul", "ip", "ip.sx"))
	report := p.build()
	assert.Equal(t, []Stage{StageHeader, StageImage, StageCue}, report.Stages)
	assert.Empty(t, report.Compiled)
}

func TestPipelineMissingCueOnly(t *testing.T) {
	p := newProject(t, demoDisc, "src/main.c")
	p.build()

	require.NoError(t, os.Remove(p.path("demo.cue")))
	report := p.build()
	assert.Equal(t, []Stage{StageCue}, report.Stages)
	assert.Equal(t, 1, report.Invocations)
	assert.FileExists(t, p.path("demo.cue"))
}

func TestPipelineStageFailureResumes(t *testing.T) {
	p := newProject(t, demoDisc, "src/main.c")
	toolErr := errors.New("exit status 1")
	p.runner.fail["sh2eb-elf-objcopy"] = toolErr

	_, err := p.pipeline().Run()
	var serr *StageExecutionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StageExtract, serr.Stage)
	assert.ErrorIs(t, err, toolErr)
	assert.Contains(t, err.Error(), "extract stage failed")

	assert.FileExists(t, p.path("build/demo.elf"))
	assert.NoFileExists(t, p.path("build/demo.bin"))
	assert.NoFileExists(t, p.path("build/IP.BIN"))
	assert.NoFileExists(t, p.path("demo.iso"))

	delete(p.runner.fail, "sh2eb-elf-objcopy")
	report := p.build()
	assert.Equal(t, []Stage{StageExtract, StageHeader, StageImage, StageCue}, report.Stages)
	assert.Empty(t, report.Compiled)
}

func TestPipelineSourceCollision(t *testing.T) {
	p := newProject(t, demoDisc, "src/main.c", "src/main.cpp")

	_, err := p.pipeline().Run()
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "target.sources", cerr.Field)
	assert.Contains(t, cerr.Reason, "main.o")
	assert.Empty(t, p.runner.calls)
}

func TestPipelineIgnoredSources(t *testing.T) {
	p := newProject(t, demoDisc, "src/main.c", "src/notes.txt")
	report := p.build()

	assert.Equal(t, []string{p.path("src/main.c")}, report.Compiled)
	assert.Contains(t, p.errOut.String(), "ignoring src/notes.txt")
}

func TestPipelinePrebuiltObjects(t *testing.T) {
	p := newProject(t, demoDisc+`
[dirs]
build = "obj"
`, "src/main.c", "src/blob.o")
	p.build()

	link := p.runner.calls[1]
	assert.Contains(t, link.Args, p.path("src/blob.o"))
	assert.FileExists(t, p.path("obj/demo.elf"))

	p.runner.touch(p.path("src/blob.o"))
	report := p.build()
	assert.Empty(t, report.Compiled)
	assert.Equal(t, StageLink, report.Stages[0])
}

func TestPipelineNothingToLink(t *testing.T) {
	p := newProject(t, demoDisc, "src/readme.md")
	_, err := p.pipeline().Run()
	assert.ErrorIs(t, err, errNoObjects)
}

func TestPipelineAssets(t *testing.T) {
	p := newProject(t, demoDisc+`
[dirs]
assets = "assets"

[assets]
"font.bin" = "font"
`, "src/main.c", "assets/font.bin")

	report := p.build()
	assert.True(t, report.Ran(StageAssets))
	assert.Equal(t, "bin2o", p.runner.tools(0)[0])

	obj, err := ObjectPath(p.path("build"), p.path("assets/font.bin"))
	require.NoError(t, err)
	assert.FileExists(t, obj)
	var link Command
	for _, c := range p.runner.calls {
		if strings.HasSuffix(c.Path, "-gcc") && !slices.Contains(c.Args, "-c") {
			link = c
		}
	}
	assert.Contains(t, link.Args, obj)

	report = p.build()
	assert.Zero(t, report.Invocations)

	p.runner.touch(p.path("assets/font.bin"))
	report = p.build()
	assert.Equal(t, []Stage{StageAssets, StageLink, StageExtract, StageHeader, StageImage, StageCue}, report.Stages)
}

func TestPipelineAssetCollision(t *testing.T) {
	p := newProject(t, demoDisc+`
[assets]
"src/main.bin" = "main_data"
`, "src/main.c", "src/main.bin")

	_, err := p.pipeline().Run()
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Empty(t, p.runner.calls)
}

func TestPipelineTrackHeaders(t *testing.T) {
	for _, track := range []bool{false, true} {
		t.Run(fmt.Sprintf("track-headers=%v", track), func(t *testing.T) {
			p := newProject(t, demoDisc+fmt.Sprintf(`
[target.'true']
track-headers = %v
`, track), "src/main.c", "src/game.h")
			p.runner.deps[p.path("src/main.c")] = []string{p.path("src/game.h")}
			p.build()

			p.runner.touch(p.path("src/game.h"))
			report := p.build()
			if track {
				assert.Equal(t, []string{p.path("src/main.c")}, report.Compiled)
			} else {
				assert.Empty(t, report.Compiled)
				assert.Zero(t, report.Invocations)
			}
		})
	}
}

func TestPipelineUnknownProfile(t *testing.T) {
	p := newProject(t, demoDisc, "src/main.c")
	env := p.env()
	cfg, err := ParseConfigFromFile(p.path(ConfigFilename), env)
	require.NoError(t, err)

	_, err = NewPipeline(cfg, p.dir, env, Options{Profile: "turbo", Runner: p.runner})
	assert.ErrorContains(t, err, "unknown profile")
}

func TestBuilderRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	touchFiles(t, dir, "src/main.c")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(`
[package]
name = "demo"

[target]
sources = ["src/*.c"]

[toolchain]
root = "/opt/yaul"
`), 0644))

	b, err := NewBuilderInDirectory(dir)
	require.NoError(t, err)

	runner := newFakeRunner(t)
	_, err = b.Build(Options{Runner: runner, Printer: &msg.Printer{Out: &bytes.Buffer{}, Err: &bytes.Buffer{}}})
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "ip.title", cerr.Field)
	assert.Empty(t, runner.calls)
	assert.NoDirExists(t, filepath.Join(dir, "build"))
}

func TestBuilderBuild(t *testing.T) {
	p := newProject(t, demoDisc+`
[toolchain]
root = "ROOT"
`, "src/main.c")
	disc, err := os.ReadFile(p.path(ConfigFilename))
	require.NoError(t, err)
	disc = bytes.ReplaceAll(disc, []byte("ROOT"), []byte(filepath.ToSlash(p.root)))
	require.NoError(t, os.WriteFile(p.path(ConfigFilename), disc, 0644))

	b, err := NewBuilderInDirectory(p.dir)
	require.NoError(t, err)
	assert.Equal(t, p.dir, b.Dir())
	assert.Equal(t, "demo", b.Config().Package.Name)

	report, err := b.Build(Options{Runner: p.runner, Printer: &msg.Printer{Out: &p.out, Err: &p.errOut}})
	require.NoError(t, err)
	assert.True(t, report.Ran(StageCue))
	assert.FileExists(t, p.path("demo.iso"))
}

func TestBuildAndRunNeedsEmulator(t *testing.T) {
	p := newProject(t, demoDisc, "src/main.c")
	b, err := NewBuilderInDirectory(p.dir)
	require.NoError(t, err)
	assert.ErrorIs(t, b.BuildAndRun(nil, Options{Runner: p.runner}), errCantRunNoEmu)
	assert.Empty(t, p.runner.calls)
}

func TestPipelineSourceOutsideProject(t *testing.T) {
	p := newProject(t, strings.Replace(demoDisc, `sources = ["src/*"]`, `sources = ["src/*", "../shared/util.c"]`, 1), "src/main.c")
	shared := filepath.Join(filepath.Dir(p.dir), "shared")
	touchFiles(t, filepath.Dir(p.dir), "shared/util.c")

	report := p.build()
	util := filepath.Join(shared, "util.c")
	assert.ElementsMatch(t, []string{p.path("src/main.c"), util}, report.Compiled)

	obj, err := ObjectPath(p.path("build"), util)
	require.NoError(t, err)
	assert.FileExists(t, obj)
	assert.Empty(t, p.errOut.String())
}

func TestPipelineMissingLiteralSource(t *testing.T) {
	p := newProject(t, strings.Replace(demoDisc, `sources = ["src/*"]`, `sources = ["src/*", "../shared/gone.c"]`, 1), "src/main.c")

	_, err := p.pipeline().Run()
	var perr *PathResolutionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "../shared/gone.c", perr.Path)
	assert.Empty(t, p.runner.calls)
}

func TestPipelineUnresolvablePrimarySource(t *testing.T) {
	p := newProject(t, strings.Replace(demoDisc, `sources = ["src/*"]`, `sources = ["src/main.c", "src/link.c"]`, 1), "src/main.c")
	if err := os.Symlink(p.path("src/missing.c"), p.path("src/link.c")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	_, err := p.pipeline().Run()
	var perr *PathResolutionError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "dangling symlink")
	assert.Empty(t, p.runner.calls)
}

func TestPipelineUnresolvableAssetSkipped(t *testing.T) {
	p := newProject(t, demoDisc+`
[assets]
"font.bin" = "font"
`, "src/main.c")
	if err := os.Symlink(p.path("gone.bin"), p.path("font.bin")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	report := p.build()
	assert.False(t, report.Ran(StageAssets))
	assert.Equal(t, []Stage{StageCompile, StageLink, StageExtract, StageHeader, StageImage, StageCue}, report.Stages)
	assert.Contains(t, p.errOut.String(), "skipping asset font.bin")
	assert.NotContains(t, p.runner.tools(0), "bin2o")
}

func TestBuildAndRunBootsCue(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh on PATH")
	}
	p := newProject(t, demoDisc+`
[toolchain]
root = "ROOT"

[run]
emulator = "SH"
args = ["-c", "test -f \"$0\" && test \"$1\" = extra"]
`, "src/main.c")
	disc, err := os.ReadFile(p.path(ConfigFilename))
	require.NoError(t, err)
	disc = bytes.ReplaceAll(disc, []byte("ROOT"), []byte(filepath.ToSlash(p.root)))
	disc = bytes.ReplaceAll(disc, []byte(`"SH"`), []byte(`"`+filepath.ToSlash(sh)+`"`))
	require.NoError(t, os.WriteFile(p.path(ConfigFilename), disc, 0644))

	b, err := NewBuilderInDirectory(p.dir)
	require.NoError(t, err)
	opts := Options{Runner: p.runner, Printer: &msg.Printer{Out: &p.out, Err: &p.errOut}}
	require.NoError(t, b.BuildAndRun([]string{"extra"}, opts), "the emulator receives the cue sheet, then extra args")
	assert.FileExists(t, p.path("demo.cue"))
}
