package builder

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
)

// Builder is a disc project loaded from its Disc.toml.
type Builder struct {
	cfg     *Config
	basedir string
	env     ConfigEnv
}

func NewBuilderInDirectory(path string) (*Builder, error) {
	var err error
	path, err = filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	env := NewConfigEnv(path)
	cfg, err := ParseConfigFromFile(filepath.Join(path, ConfigFilename), env)
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, basedir: path, env: env}, nil
}

func (b *Builder) Config() *Config { return b.cfg }
func (b *Builder) Dir() string     { return b.basedir }

// Build validates the configuration, runs the build script and then the
// pipeline. Configuration errors surface before any tool is spawned.
func (b *Builder) Build(opts Options) (*Report, error) {
	_, report, err := b.build(opts)
	return report, err
}

func (b *Builder) build(opts Options) (*Pipeline, *Report, error) {
	if err := b.cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := b.cfg.RunBuildScript(b.env); err != nil {
		return nil, nil, err
	}

	p, err := NewPipeline(b.cfg, b.basedir, b.env, opts)
	if err != nil {
		return nil, nil, err
	}
	report, err := p.Run()
	if err != nil {
		return nil, nil, err
	}
	return p, report, nil
}

// BuildAndRun builds the disc and boots its cue sheet in the configured emulator.
func (b *Builder) BuildAndRun(args []string, opts Options) error {
	if b.cfg.Run.Emulator == "" {
		return errCantRunNoEmu
	}

	p, _, err := b.build(opts)
	if err != nil {
		return err
	}

	cmd := exec.Command(b.cfg.Run.Emulator, slices.Concat(b.cfg.Run.Args, []string{p.Layout().Cue}, args)...)
	cmd.Dir = b.basedir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// CleanDirectory removes the generated trees of the project in path. A
// missing Disc.toml is not an error: the default directory names are used.
func CleanDirectory(path string) ([]string, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	env := NewConfigEnv(path)
	cfg, err := ParseConfigFromFile(filepath.Join(path, ConfigFilename), env)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = defaultConfig(env)
	case err != nil:
		return nil, fmt.Errorf("failed to parse %s: %w", ConfigFilename, err)
	}

	return Clean(path, cfg.Dirs)
}
