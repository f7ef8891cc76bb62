package builder

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errNoSources    = errors.New("target.sources is empty")
	errNoObjects    = errors.New("nothing to link: no object files were produced")
	errCantRunNoEmu = errors.New("no emulator configured (run.emulator is empty)")
)

// ConfigError reports a missing or malformed field of Disc.toml. It is
// always raised before any stage runs.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// PathResolutionError reports a path that cannot be turned into a
// namespaced build path.
type PathResolutionError struct {
	Path string
	Err  error
}

func (e *PathResolutionError) Error() string {
	return fmt.Sprintf("unable to resolve path '%s': %v", e.Path, e.Err)
}

func (e *PathResolutionError) Unwrap() error { return e.Err }

// StageExecutionError reports an external tool that failed to spawn or
// exited with a non-zero status. It aborts the pipeline.
type StageExecutionError struct {
	Stage Stage
	Tool  string
	Args  []string
	Err   error
}

func (e *StageExecutionError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s stage failed: %s", e.Stage, e.Tool)
	if len(e.Args) > 0 {
		sb.WriteString(" ")
		sb.WriteString(strings.Join(e.Args, " "))
	}
	fmt.Fprintf(&sb, ": %v", e.Err)
	return sb.String()
}

func (e *StageExecutionError) Unwrap() error { return e.Err }
