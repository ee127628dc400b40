// Package bootconsole implements the unified boot console: a single
// interface two backends satisfy simultaneously (plain text and
// ANSI-colored), grounded on
// original_source/kernel/src/boot/console.rs's BootOutput trait — a
// print_line/print_section/print_status/print_info quartet dispatched to
// whichever concrete sinks are active, reimagined here as a Go interface
// with a Multi fan-out implementation rather than a trait-object vtable.
package bootconsole

import (
	"fmt"
	"io"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
)

// Output is the boot console interface both backends implement, the Go
// analogue of original_source's BootOutput trait.
type Output interface {
	PrintLine(text string)
	PrintSection(title string)
	PrintStatus(component string, ok bool)
	PrintInfo(key, value string)
	PrintBlank()
}

// PlainConsole writes unstyled text lines, the stand-in for the original's
// UART backend.
type PlainConsole struct {
	w io.Writer
}

// NewPlainConsole constructs a PlainConsole writing to w.
func NewPlainConsole(w io.Writer) *PlainConsole { return &PlainConsole{w: w} }

func (c *PlainConsole) PrintLine(text string) { fmt.Fprintln(c.w, text) }

func (c *PlainConsole) PrintSection(title string) {
	fmt.Fprintf(c.w, "== %s ==\n", title)
}

func (c *PlainConsole) PrintStatus(component string, ok bool) {
	status := "OK"
	if !ok {
		status = "FAIL"
	}
	fmt.Fprintf(c.w, "[%s] %s\n", status, component)
}

func (c *PlainConsole) PrintInfo(key, value string) {
	fmt.Fprintf(c.w, "  %s: %s\n", key, value)
}

func (c *PlainConsole) PrintBlank() { c.PrintLine("") }

var _ Output = (*PlainConsole)(nil)

// ANSI SGR codes built on ansi.CSI, the escape-sequence introducer
// charmbracelet/x/ansi exports for exactly this purpose.
const (
	sgrReset = ansi.CSI + "0m"
	sgrBold  = ansi.CSI + "1m"
	sgrGreen = ansi.CSI + "32m"
	sgrRed   = ansi.CSI + "31m"
	sgrCyan  = ansi.CSI + "36m"
)

// ColorConsole renders the same boot messages with ANSI color, the stand-in
// for the original's GPU/framebuffer backend. cmd/kerneld selects it with
// its -color flag; no graphics probe switches it on.
type ColorConsole struct {
	w io.Writer
}

// NewColorConsole constructs a ColorConsole writing to w.
func NewColorConsole(w io.Writer) *ColorConsole { return &ColorConsole{w: w} }

func (c *ColorConsole) PrintLine(text string) { fmt.Fprintln(c.w, text) }

func (c *ColorConsole) PrintSection(title string) {
	fmt.Fprintf(c.w, "%s%s== %s ==%s\n", sgrBold, sgrCyan, title, sgrReset)
}

func (c *ColorConsole) PrintStatus(component string, ok bool) {
	color, status := sgrGreen, "OK"
	if !ok {
		color, status = sgrRed, "FAIL"
	}
	fmt.Fprintf(c.w, "[%s%s%s] %s\n", color, status, sgrReset, component)
}

func (c *ColorConsole) PrintInfo(key, value string) {
	fmt.Fprintf(c.w, "  %s%s%s: %s\n", sgrBold, key, sgrReset, value)
}

func (c *ColorConsole) PrintBlank() { c.PrintLine("") }

var _ Output = (*ColorConsole)(nil)

// Multi fans every call out to all of its sinks, the Go expression of the
// original's "render to both UART and GPU simultaneously" contract. Add
// appends a further sink; it never replaces the first. Boot's GPU probe
// always fails in this simulation, so boot attaches no second sink.
type Multi struct {
	sinks []Output
}

// NewMulti constructs a Multi over the given sinks, in call order.
func NewMulti(sinks ...Output) *Multi { return &Multi{sinks: sinks} }

// Add appends a sink (e.g. after a successful GPU probe).
func (m *Multi) Add(sink Output) { m.sinks = append(m.sinks, sink) }

func (m *Multi) PrintLine(text string) {
	for _, s := range m.sinks {
		s.PrintLine(text)
	}
}

func (m *Multi) PrintSection(title string) {
	for _, s := range m.sinks {
		s.PrintSection(title)
	}
}

func (m *Multi) PrintStatus(component string, ok bool) {
	for _, s := range m.sinks {
		s.PrintStatus(component, ok)
	}
}

func (m *Multi) PrintInfo(key, value string) {
	for _, s := range m.sinks {
		s.PrintInfo(key, value)
	}
}

func (m *Multi) PrintBlank() {
	for _, s := range m.sinks {
		s.PrintBlank()
	}
}

var _ Output = (*Multi)(nil)

// ScanProgress renders a determinate progress bar for long boot steps with a
// known unit count (e.g. the filesystem mount directory scan), using
// schollz/progressbar/v3 the way the teacher renders OCI layer download
// progress (tinyrange/cc internal/oci/client.go).
type ScanProgress struct {
	bar *progressbar.ProgressBar
}

// NewScanProgress constructs a progress bar titled title over total units.
func NewScanProgress(w io.Writer, title string, total int) *ScanProgress {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription(title),
		progressbar.OptionSetWriter(w),
		progressbar.OptionClearOnFinish(),
	)
	return &ScanProgress{bar: bar}
}

// Add advances the bar by n units.
func (p *ScanProgress) Add(n int) error { return p.bar.Add(n) }

// Close finalizes the bar's output.
func (p *ScanProgress) Close() error { return p.bar.Close() }
