package kapti

import (
	"fmt"
	"io"
	"os"
)

// color-compatible printer interface (works with *color.Theme and *color.Style)
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}

// cPrintf prints with a colored style or falls back to fmt.Printf when nil
func cPrintf(p colorPrinter, format string, a ...any) {
	if p == nil {
		fmt.Printf(format, a...)
		return
	}
	p.Printf(format, a...)
}

// arrowf prints the "-> " marker followed by a styled message.
func arrowf(p colorPrinter, format string, a ...any) {
	colArrow.Print("-> ")
	cPrintf(p, format, a...)
}

// debugf prints debug messages when Debug is true. It writes to stderr:
// the helper's stdout carries protocol lines only.
func debugf(format string, args ...any) {
	if Debug {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// warnf reports a non-fatal problem on stderr.
func warnf(format string, args ...any) {
	fwarnf(os.Stderr, format, args...)
}

func fwarnf(w io.Writer, format string, args ...any) {
	fmt.Fprint(w, colWarn.Sprintf("warning: "+format, args...))
}
