package msg

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Printer writes build diagnostics. Status lines go to Out, warnings and
// errors to Err. Debug lines are only shown when Verbose is set.
type Printer struct {
	Out     io.Writer
	Err     io.Writer
	Verbose bool
}

// Default writes to the process streams and is used by the package-level helpers.
var Default = NewPrinter(false)

func NewPrinter(verbose bool) *Printer {
	return &Printer{Out: os.Stdout, Err: os.Stderr, Verbose: verbose}
}

func (p *Printer) line(w io.Writer, prefix, format string, a ...any) {
	fmt.Fprint(w, prefix)
	fmt.Fprint(w, ": ")
	fmt.Fprintf(w, format, a...)
	fmt.Fprint(w, "\n")
}

func (p *Printer) Info(format string, a ...any) {
	p.line(p.Out, color.HiGreenString("info"), format, a...)
}

func (p *Printer) Warn(format string, a ...any) {
	p.line(p.Err, color.YellowString("warn"), format, a...)
}

func (p *Printer) Error(format string, a ...any) {
	p.line(p.Err, color.HiRedString("error"), format, a...)
}

func (p *Printer) Debug(format string, a ...any) {
	if !p.Verbose {
		return
	}
	p.line(p.Out, color.HiBlackString("debug"), format, a...)
}

// Step announces a stage action, e.g. "   Compiling src/main.c".
func (p *Printer) Step(verb, format string, a ...any) {
	fmt.Fprintf(p.Out, "%s %s\n", color.HiGreenString("%12s", verb), fmt.Sprintf(format, a...))
}

// Skip announces a stage that was up to date. Only shown in verbose mode.
func (p *Printer) Skip(verb, format string, a ...any) {
	if !p.Verbose {
		return
	}
	fmt.Fprintf(p.Out, "%s %s\n", color.HiBlackString("%12s", verb), fmt.Sprintf(format, a...))
}

func Error(format string, a ...any) { Default.Error(format, a...) }
func Warn(format string, a ...any)  { Default.Warn(format, a...) }
func Info(format string, a ...any)  { Default.Info(format, a...) }

func Fatal(format string, a ...any) {
	Default.line(Default.Err, color.RedString("fatal"), format, a...)
	os.Exit(1)
}

// IndentWriter prefixes every line written through it with Indent, so
// the output of an external tool nests under the step that started it.
type IndentWriter struct {
	Indent  string
	W       io.Writer
	midLine bool
}

func (w *IndentWriter) Write(p []byte) (int, error) {
	buf := make([]byte, 0, len(p)+len(w.Indent))
	for _, c := range p {
		if !w.midLine {
			buf = append(buf, w.Indent...)
			w.midLine = true
		}
		buf = append(buf, c)
		if c == '\n' || c == '\r' {
			w.midLine = false
		}
	}
	if _, err := w.W.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}
