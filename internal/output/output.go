// Package output formats CLI output: status lines, search hits, and
// health tables, with ANSI color when stdout is a terminal.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// ANSI sequences used when color is on.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	dim   = "\033[2m"
	red   = "\033[31m"
	green = "\033[32m"
	cyan  = "\033[36m"
)

// Writer renders CLI output. Write errors are ignored: console output
// failing is not actionable.
type Writer struct {
	out      io.Writer
	useColor bool
}

// New creates a Writer; color is enabled only when out is a terminal
// and NO_COLOR is unset.
func New(out io.Writer) *Writer {
	return &Writer{out: out, useColor: colorEnabled(out)}
}

func colorEnabled(out io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (w *Writer) paint(code, s string) string {
	if !w.useColor {
		return s
	}
	return code + s + reset
}

// Println writes one plain line.
func (w *Writer) Println(msg string) {
	_, _ = fmt.Fprintln(w.out, msg)
}

// Printf writes formatted output.
func (w *Writer) Printf(format string, args ...any) {
	_, _ = fmt.Fprintf(w.out, format, args...)
}

// Success writes a line marked as good news.
func (w *Writer) Success(msg string) {
	_, _ = fmt.Fprintf(w.out, "%s %s\n", w.paint(green, "ok"), msg)
}

// Warning writes a cautionary line to the output stream.
func (w *Writer) Warning(msg string) {
	_, _ = fmt.Fprintf(w.out, "%s %s\n", w.paint(red, "warn"), msg)
}

// Errorf writes a failure line.
func (w *Writer) Errorf(format string, args ...any) {
	_, _ = fmt.Fprintf(w.out, "%s %s\n", w.paint(red, "error"), fmt.Sprintf(format, args...))
}

// Field writes an aligned "name: value" row for status views.
func (w *Writer) Field(name, value string) {
	_, _ = fmt.Fprintf(w.out, "  %s %s\n", w.paint(dim, fmt.Sprintf("%-18s", name+":")), value)
}

// Header writes a bold section heading.
func (w *Writer) Header(msg string) {
	_, _ = fmt.Fprintln(w.out, w.paint(bold, msg))
}

// Hit renders one search result: the location line, then the snippet
// indented with the match lines visible.
func (w *Writer) Hit(path string, startLine int, score float64, snippet string) {
	_, _ = fmt.Fprintf(w.out, "%s%s%d  %s\n",
		w.paint(cyan, path), w.paint(dim, ":"), startLine,
		w.paint(dim, fmt.Sprintf("(%.2f)", score)))
	for _, line := range strings.Split(strings.TrimRight(snippet, "\n"), "\n") {
		_, _ = fmt.Fprintf(w.out, "    %s\n", line)
	}
}

// Newline writes an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}
