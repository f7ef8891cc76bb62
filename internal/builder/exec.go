package builder

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/qobs-build/discforge/internal/msg"
)

// Command is one external tool invocation.
type Command struct {
	Path string
	Args []string
	// Dir is the working directory; empty means the current one
	Dir string
	// Stdout, when set, receives the tool's standard output (nm, objdump)
	Stdout string
}

func (c Command) String() string {
	s := c.Path
	if len(c.Args) > 0 {
		s += " " + strings.Join(c.Args, " ")
	}
	if c.Stdout != "" {
		s += " > " + c.Stdout
	}
	return s
}

// Runner spawns external tools and waits for them.
type Runner interface {
	Run(cmd Command) error
}

// toolIndent nests tool output under the step line that started the tool.
const toolIndent = "    "

// ExecRunner runs commands with os/exec. The tool's stderr is always passed
// through; its stdout only in verbose mode unless redirected to a file.
type ExecRunner struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Verbose bool
}

func NewExecRunner(verbose bool) *ExecRunner {
	return &ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr, Verbose: verbose}
}

func (r *ExecRunner) Run(c Command) error {
	if r.Verbose {
		fmt.Fprintln(r.Stdout, c.String())
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stderr = &msg.IndentWriter{Indent: toolIndent, W: r.Stderr}

	if c.Stdout != "" {
		f, err := os.Create(c.Stdout)
		if err != nil {
			return err
		}
		defer f.Close()
		cmd.Stdout = f
	} else if r.Verbose {
		cmd.Stdout = &msg.IndentWriter{Indent: toolIndent, W: r.Stdout}
	}

	return cmd.Run()
}

// executor wraps a Runner, counts invocations and turns failures into
// StageExecutionErrors.
type executor struct {
	runner Runner
	count  int
}

func (e *executor) run(stage Stage, c Command) error {
	e.count++
	if err := e.runner.Run(c); err != nil {
		return &StageExecutionError{Stage: stage, Tool: c.Path, Args: c.Args, Err: err}
	}
	return nil
}
