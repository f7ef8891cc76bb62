package msg

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrinter(verbose bool) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	color.NoColor = true
	var out, errb bytes.Buffer
	return &Printer{Out: &out, Err: &errb, Verbose: verbose}, &out, &errb
}

func TestPrinterStreams(t *testing.T) {
	p, out, errb := newTestPrinter(false)

	p.Info("building %s", "demo")
	p.Warn("ignoring %s", "notes.txt")
	p.Error("boom")

	assert.Equal(t, "info: building demo\n", out.String())
	assert.Equal(t, "warn: ignoring notes.txt\nerror: boom\n", errb.String())
}

func TestPrinterVerbosity(t *testing.T) {
	quiet, qout, _ := newTestPrinter(false)
	quiet.Debug("hidden")
	quiet.Skip("Fresh", "demo.elf")
	assert.Empty(t, qout.String())

	loud, lout, _ := newTestPrinter(true)
	loud.Debug("shown %d", 1)
	loud.Skip("Fresh", "demo.elf")
	assert.Contains(t, lout.String(), "debug: shown 1")
	assert.Contains(t, lout.String(), "Fresh demo.elf")
}

func TestStepAlignsVerb(t *testing.T) {
	p, out, _ := newTestPrinter(false)
	p.Step("Linking", "demo.elf")
	assert.Equal(t, "     Linking demo.elf\n", out.String())
}

func TestFormatSize(t *testing.T) {
	cases := map[int64]string{
		0:               "0B",
		1023:            "1023B",
		1536:            "1.5K",
		10 * 1024:       "10K",
		3 * 1024 * 1024: "3.0M",
	}
	for n, want := range cases {
		assert.Equal(t, want, FormatSize(n), "size %d", n)
	}
}

func TestStepAlignsColouredVerb(t *testing.T) {
	p, out, _ := newTestPrinter(true)
	color.NoColor = false
	defer func() { color.NoColor = true }()

	p.Step("Compiling", "src/main.c")
	p.Skip("Fresh", "src/other.c")
	assert.Equal(t,
		"\x1b[92m   Compiling\x1b[0m src/main.c\n"+
			"\x1b[90m       Fresh\x1b[0m src/other.c\n",
		out.String())
}

func TestIndentWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &IndentWriter{Indent: "  ", W: &buf}

	n, err := w.Write([]byte("src/main.c: In function 'main':"))
	require.NoError(t, err)
	assert.Equal(t, 31, n)
	_, err = w.Write([]byte("\nwarning: unused\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("done"))
	require.NoError(t, err)

	assert.Equal(t, "  src/main.c: In function 'main':\n  warning: unused\n  done", buf.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestIndentWriterPropagatesErrors(t *testing.T) {
	w := &IndentWriter{Indent: "  ", W: failingWriter{}}
	_, err := w.Write([]byte("x\n"))
	assert.EqualError(t, err, "closed")
}

func TestProgressBarFinish(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(100, 2, &buf)
	_, _ = pb.Write(make([]byte, 100))
	pb.Finish()
	assert.Contains(t, buf.String(), "100% [")
	assert.Contains(t, buf.String(), "100B")
}
