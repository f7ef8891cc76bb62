package builder

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/qobs-build/discforge/internal/builder/gen"
	"github.com/qobs-build/discforge/internal/msg"
)

// Stage is a position in the fixed pipeline. Stages run strictly in order.
type Stage int

const (
	StageAssets Stage = iota
	StageCompile
	StageLink
	StageExtract
	StageHeader
	StageImage
	StageCue
)

func (s Stage) String() string {
	switch s {
	case StageAssets:
		return "assets"
	case StageCompile:
		return "compile"
	case StageLink:
		return "link"
	case StageExtract:
		return "extract"
	case StageHeader:
		return "header"
	case StageImage:
		return "image"
	case StageCue:
		return "cue"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// placeholder metadata files required in the image root
var imageTextFiles = []string{"ABS.TXT", "BIB.TXT", "CPY.TXT"}

const placeholderText = "empty"

// Options tune a single pipeline run.
type Options struct {
	Profile string
	Verbose bool
	// Runner spawns external tools; nil means an ExecRunner
	Runner Runner
	// Printer receives diagnostics; nil means stdout/stderr
	Printer *msg.Printer
	// Now is used for the release date fallback; nil means time.Now
	Now func() time.Time
}

// Layout is every path the pipeline reads or writes, all absolute.
type Layout struct {
	Build  string
	Image  string
	Audio  string
	Output string
	Assets string

	Elf   string
	Bin   string
	Map   string
	Sym   string
	Asm   string
	IPBin string
	ISO   string
	Cue   string
}

func newLayout(dir string, cfg *Config) (Layout, error) {
	abs := func(p string) (string, error) {
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		return filepath.Abs(p)
	}

	var l Layout
	var err error
	for _, d := range []struct {
		dst *string
		src string
	}{
		{&l.Build, cfg.Dirs.Build},
		{&l.Image, cfg.Dirs.Image},
		{&l.Audio, cfg.Dirs.Audio},
		{&l.Output, cfg.Dirs.Output},
		{&l.Assets, cfg.Dirs.Assets},
	} {
		if *d.dst, err = abs(d.src); err != nil {
			return l, fmt.Errorf("unable to find path to '%s': %w", d.src, err)
		}
	}

	base := filepath.Join(l.Build, cfg.Package.Name)
	l.Elf = base + ".elf"
	l.Bin = base + ".bin"
	l.Map = base + ".map"
	l.Sym = base + ".sym"
	l.Asm = base + ".asm"
	l.IPBin = filepath.Join(l.Build, "IP.BIN")
	l.ISO = filepath.Join(l.Output, cfg.Package.Name+".iso")
	l.Cue = filepath.Join(l.Output, cfg.Package.Name+".cue")
	return l, nil
}

// Report describes what a run did.
type Report struct {
	// Stages lists the stages that executed, in order
	Stages []Stage
	// Compiled lists the sources that were recompiled
	Compiled []string
	// Invocations counts external tool runs
	Invocations int
}

func (r *Report) Ran(s Stage) bool { return slices.Contains(r.Stages, s) }

func (r *Report) ran(s Stage) {
	if !r.Ran(s) {
		r.Stages = append(r.Stages, s)
	}
}

// Pipeline drives one build through the six stages: compile, link,
// extract, header, image and cue. Each stage is gated by the timestamps of
// the stage before it.
type Pipeline struct {
	cfg     *Config
	dir     string
	ip      IPSection
	layout  Layout
	tc      *Toolchain
	opt     []string
	exec    executor
	out     *msg.Printer
	verbose bool
	report  Report
}

// NewPipeline prepares a run for a validated configuration of the project in dir.
func NewPipeline(cfg *Config, dir string, env ConfigEnv, opts Options) (*Pipeline, error) {
	if opts.Profile == "" {
		opts.Profile = "debug"
	}
	if opts.Runner == nil {
		opts.Runner = NewExecRunner(opts.Verbose)
	}
	if opts.Printer == nil {
		opts.Printer = msg.NewPrinter(opts.Verbose)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	dir, err := canonicalPath(dir)
	if err != nil {
		return nil, err
	}
	opt, err := cfg.OptFlags(opts.Profile)
	if err != nil {
		return nil, err
	}
	layout, err := newLayout(dir, cfg)
	if err != nil {
		return nil, err
	}

	ip := cfg.IP
	ip.ReleaseDate = resolveReleaseDate(ip.ReleaseDate, dir, opts.Now)

	return &Pipeline{
		cfg:     cfg,
		dir:     dir,
		ip:      ip,
		layout:  layout,
		tc:      NewToolchain(cfg.Toolchain, env.Environ),
		opt:     opt,
		exec:    executor{runner: opts.Runner},
		out:     opts.Printer,
		verbose: opts.Verbose,
	}, nil
}

func (p *Pipeline) Layout() Layout { return p.layout }

// display shortens paths inside the project directory for diagnostics.
func (p *Pipeline) display(path string) string {
	if rel, err := filepath.Rel(p.dir, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return path
}

func (p *Pipeline) stamp(path string) string {
	t := ModTime(path)
	if t.Equal(time.Unix(0, 0)) {
		return "missing"
	}
	return t.Format(time.RFC3339Nano)
}

// Run executes the pipeline. On failure the artifacts of completed stages
// stay on disk, so the next run resumes where this one stopped.
func (p *Pipeline) Run() (*Report, error) {
	p.out.Info("building %s (%s)", p.cfg.Package.Name, p.display(p.dir))
	p.logSettings()

	for _, dir := range []string{p.layout.Build, p.layout.Output} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	assets := p.assetObjects()
	assetObjs := make([]string, len(assets))
	for i, a := range assets {
		assetObjs[i] = a.obj
	}

	sources, err := collectSources(p.dir, p.cfg.Target.Sources, p.out.Warn)
	if err != nil {
		return nil, err
	}
	set, err := Classify(append(sources, assetObjs...))
	if err != nil {
		return nil, err
	}
	for _, f := range set.Ignored {
		p.out.Warn("ignoring %s: unrecognized source extension", p.display(f))
	}

	objects, err := p.objectMap(set)
	if err != nil {
		return nil, err
	}

	if err := p.convertAssets(assets); err != nil {
		return nil, err
	}

	flags := NewFlags(p.cfg, p.tc, p.opt, p.layout.Map, len(set.Cxx) > 0)

	if err := p.compile(set, objects, flags); err != nil {
		return nil, err
	}

	objs := make([]string, 0, len(set.Compiled())+len(set.Objects))
	for _, src := range set.Compiled() {
		objs = append(objs, objects[src])
	}
	objs = append(objs, set.Objects...)

	steps := []func() error{
		func() error { return p.link(flags, objs) },
		p.extract,
		p.header,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	imageBuilt, err := p.image()
	if err != nil {
		return nil, err
	}
	if err := p.cue(imageBuilt); err != nil {
		return nil, err
	}

	p.report.Invocations = p.exec.count
	if p.report.Invocations == 0 {
		p.out.Info("%s is up to date", p.cfg.Package.Name)
	} else {
		p.out.Info("finished %s", p.display(p.layout.ISO))
	}
	return &p.report, nil
}

func (p *Pipeline) logSettings() {
	p.out.Debug("iso directory='%s'", p.cfg.Dirs.Image)
	p.out.Debug("audio tracks directory='%s'", p.cfg.Dirs.Audio)
	p.out.Debug("iso 1st read binary='%s'", p.ip.FirstReadBin)
	p.out.Debug("ip version='%s'", p.ip.Version)
	p.out.Debug("ip release date='%s'", p.ip.ReleaseDate)
	p.out.Debug("ip areas='%s'", p.ip.Areas)
	p.out.Debug("ip peripherals='%s'", p.ip.Peripherals)
	p.out.Debug("ip title='%s'", p.ip.Title)
	p.out.Debug("ip main stack address='%s'", p.ip.MainStackAddr)
	p.out.Debug("ip sub stack address='%s'", p.ip.SubStackAddr)
	p.out.Debug("ip 1st read address='%s'", p.ip.FirstReadAddr)
	p.out.Debug("ip 1st read size='%s'", p.ip.FirstReadSize)
}

type assetJob struct {
	asset  string
	symbol string
	obj    string
}

// assetObjects names the object file of every binary asset. An asset whose
// path cannot be resolved is skipped with a warning.
func (p *Pipeline) assetObjects() []assetJob {
	var jobs []assetJob
	for _, file := range slices.Sorted(maps.Keys(p.cfg.Assets)) {
		asset := file
		if !filepath.IsAbs(asset) {
			asset = filepath.Join(p.layout.Assets, asset)
		}

		obj, err := ObjectPath(p.layout.Build, asset)
		if err != nil {
			p.out.Warn("skipping asset %s: %v", file, err)
			continue
		}
		jobs = append(jobs, assetJob{asset: asset, symbol: p.cfg.Assets[file], obj: obj})
	}
	return jobs
}

// convertAssets turns each stale binary asset into a linkable object.
func (p *Pipeline) convertAssets(jobs []assetJob) error {
	for _, job := range jobs {
		if !IsStale(job.obj, job.asset) {
			p.out.Skip("Fresh", "%s", p.display(job.asset))
			continue
		}
		p.out.Step("Converting", "%s (%s)", p.display(job.asset), job.symbol)
		if err := p.exec.run(StageAssets, p.tc.AssetCommand(job.asset, job.symbol, job.obj)); err != nil {
			return err
		}
		p.report.ran(StageAssets)
	}
	return nil
}

// objectMap namespaces every translation unit. Two sources sharing an
// object file (main.c and main.cpp side by side) are rejected.
func (p *Pipeline) objectMap(set *SourceSet) (map[string]string, error) {
	objects := make(map[string]string, len(set.All))
	owner := make(map[string]string, len(set.All))
	for _, obj := range set.Objects {
		owner[obj] = obj
	}

	p.out.Debug("generating unique object list")
	for _, src := range set.Compiled() {
		obj, err := ObjectPath(p.layout.Build, src)
		if err != nil {
			return nil, err
		}
		if prev, ok := owner[obj]; ok {
			return nil, &ConfigError{
				Field:  "target.sources",
				Reason: fmt.Sprintf("%s and %s both compile to %s", p.display(prev), p.display(src), filepath.Base(obj)),
			}
		}
		owner[obj] = src
		objects[src] = obj
		p.out.Debug("  %s", obj)
	}
	return objects, nil
}

func (p *Pipeline) compile(set *SourceSet, objects map[string]string, flags Flags) error {
	var db gen.CompileDatabase

	groups := []struct {
		role Role
		srcs []string
	}{
		{RoleC, set.C},
		{RoleCxx, set.Cxx},
		{RoleAsm, set.Asm},
	}
	for _, g := range groups {
		for _, src := range g.srcs {
			obj := objects[src]
			cmd := p.tc.CompileCommand(flags, g.role, src, obj)
			db.Add(p.dir, src, obj, cmd.Path, cmd.Args)

			inputs := []string{src}
			if p.cfg.Target.TrackHeaders && g.role != RoleAsm {
				deps, err := DepfileInputs(withExt(obj, ".d"))
				if err != nil {
					p.out.Warn("unable to read dependencies of %s: %v", p.display(src), err)
				}
				inputs = append(inputs, deps...)
			}

			if !IsStale(obj, inputs...) {
				p.out.Skip("Fresh", "%s", p.display(src))
				continue
			}

			p.out.Step("Compiling", "%s (%s)", p.display(src), g.role)
			if err := p.exec.run(StageCompile, cmd); err != nil {
				return err
			}
			p.report.Compiled = append(p.report.Compiled, src)
			p.report.ran(StageCompile)
		}
	}

	if _, err := db.WriteIfChanged(p.layout.Build); err != nil {
		p.out.Warn("unable to write %s: %v", gen.CompileDatabaseFile, err)
	}
	return nil
}

func (p *Pipeline) link(flags Flags, objs []string) error {
	if len(objs) == 0 {
		return errNoObjects
	}

	p.out.Debug("attempting elf build: newest_obj(%s) > %s.elf(%s)",
		Newest(objs...).Format(time.RFC3339Nano), p.cfg.Package.Name, p.stamp(p.layout.Elf))
	if !IsStale(p.layout.Elf, objs...) {
		p.out.Skip("Fresh", "%s", p.display(p.layout.Elf))
		return nil
	}

	p.out.Step("Linking", "%s", p.display(p.layout.Elf))
	if err := p.exec.run(StageLink, p.tc.LinkCommand(flags, objs, p.layout.Elf)); err != nil {
		return err
	}
	if err := p.exec.run(StageLink, p.tc.SymbolDumpCommand(p.layout.Elf, p.layout.Sym)); err != nil {
		return err
	}
	if err := p.exec.run(StageLink, p.tc.DisassembleCommand(p.layout.Elf, p.layout.Asm)); err != nil {
		return err
	}
	p.report.ran(StageLink)
	return nil
}

func (p *Pipeline) extract() error {
	p.out.Debug("attempting bin build: %s.elf(%s) > %s.bin(%s)",
		p.cfg.Package.Name, p.stamp(p.layout.Elf), p.cfg.Package.Name, p.stamp(p.layout.Bin))
	if !IsStale(p.layout.Bin, p.layout.Elf) {
		p.out.Skip("Fresh", "%s", p.display(p.layout.Bin))
		return nil
	}

	p.out.Step("Extracting", "%s", p.display(p.layout.Bin))
	if err := p.exec.run(StageExtract, p.tc.ExtractCommand(p.layout.Elf, p.layout.Bin)); err != nil {
		return err
	}
	if fi, err := os.Stat(p.layout.Bin); err == nil {
		p.out.Debug("%s is %s", p.display(p.layout.Bin), msg.FormatSize(fi.Size()))
	}
	p.report.ran(StageExtract)
	return nil
}

func (p *Pipeline) header() error {
	p.out.Debug("attempting IP.BIN build: ip.sx(%s) > IP.BIN(%s) || %s.bin(%s) > IP.BIN(%s)",
		p.stamp(p.tc.IPSource), p.stamp(p.layout.IPBin), p.cfg.Package.Name, p.stamp(p.layout.Bin), p.stamp(p.layout.IPBin))
	if !IsStale(p.layout.IPBin, p.tc.IPSource, p.layout.Bin) {
		p.out.Skip("Fresh", "%s", p.display(p.layout.IPBin))
		return nil
	}

	p.out.Step("Generating", "%s", p.display(p.layout.IPBin))
	if err := p.exec.run(StageHeader, p.tc.HeaderCommand(p.ip, p.layout.Bin, p.layout.Build)); err != nil {
		return err
	}
	p.report.ran(StageHeader)
	return nil
}

// image reports whether the disc image was rebuilt, which forces the cue
// sheet to follow.
func (p *Pipeline) image() (bool, error) {
	p.out.Debug("attempting iso build: IP.BIN(%s) > %s.iso(%s) || %s.bin(%s) > %s.iso(%s)",
		p.stamp(p.layout.IPBin), p.cfg.Package.Name, p.stamp(p.layout.ISO),
		p.cfg.Package.Name, p.stamp(p.layout.Bin), p.cfg.Package.Name, p.stamp(p.layout.ISO))
	if !IsStale(p.layout.ISO, p.layout.IPBin, p.layout.Bin) {
		p.out.Skip("Fresh", "%s", p.display(p.layout.ISO))
		return false, nil
	}

	p.out.Step("Imaging", "%s", p.display(p.layout.ISO))
	if err := p.stageImage(); err != nil {
		return false, err
	}
	cmd := p.tc.ImageCommand(p.layout.Image, p.layout.IPBin, p.layout.Output, p.cfg.Package.Name)
	if err := p.exec.run(StageImage, cmd); err != nil {
		return false, err
	}
	p.report.ran(StageImage)
	return true, nil
}

// stageImage fills the image directory: the boot binary under its fixed
// name plus the metadata text files, which are created only when absent.
func (p *Pipeline) stageImage() error {
	if err := os.MkdirAll(p.layout.Image, 0755); err != nil {
		return err
	}

	dst := filepath.Join(p.layout.Image, p.ip.FirstReadBin)
	if err := copyFile(dst, p.layout.Bin, p.progress()); err != nil {
		return fmt.Errorf("unable to stage %s: %w", p.ip.FirstReadBin, err)
	}

	for _, name := range imageTextFiles {
		created, err := createIfAbsent(filepath.Join(p.layout.Image, name), placeholderText)
		if err != nil {
			return err
		}
		if created {
			p.out.Debug("created placeholder %s", name)
		}
	}
	return nil
}

func (p *Pipeline) progress() func(total int64) *msg.ProgressBar {
	if !p.verbose {
		return nil
	}
	return func(total int64) *msg.ProgressBar {
		return msg.NewProgressBar(total, 13, p.out.Out)
	}
}

// cue rebuilds the cue sheet when it is missing or the image was rebuilt
// during this run.
func (p *Pipeline) cue(imageBuilt bool) error {
	p.out.Debug("attempting cue build")
	ok, err := exists(p.layout.Cue)
	if err != nil {
		return err
	}
	if ok && !imageBuilt {
		p.out.Skip("Fresh", "%s", p.display(p.layout.Cue))
		return nil
	}

	p.out.Step("Writing", "%s", p.display(p.layout.Cue))
	if err := os.MkdirAll(p.layout.Audio, 0755); err != nil {
		return err
	}
	if err := p.exec.run(StageCue, p.tc.CueCommand(p.layout.Audio, p.layout.ISO)); err != nil {
		return err
	}
	p.report.ran(StageCue)
	return nil
}
