package ui

import (
	"fmt"
	"io"
)

// Printer writes one-line command results with a status marker.
type Printer struct {
	out    io.Writer
	styles Styles
}

// NewPrinter creates a Printer; color follows the terminal and NO_COLOR.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, styles: GetStyles(NoColorFor(out))}
}

// Successf prints a completed action.
func (p *Printer) Successf(format string, args ...any) {
	p.line(p.styles.Success.Render("ok"), fmt.Sprintf(format, args...))
}

// Warningf prints something that needs attention but did not fail.
func (p *Printer) Warningf(format string, args ...any) {
	p.line(p.styles.Warning.Render("warn"), fmt.Sprintf(format, args...))
}

// Errorf prints a failure.
func (p *Printer) Errorf(format string, args ...any) {
	p.line(p.styles.Error.Render("error"), fmt.Sprintf(format, args...))
}

// Infof prints an indented detail line.
func (p *Printer) Infof(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, "       %s\n", fmt.Sprintf(format, args...))
}

func (p *Printer) line(marker, msg string) {
	_, _ = fmt.Fprintf(p.out, "%-6s %s\n", marker, msg)
}
