package display

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Palette colors status words for terminal output
type Palette struct {
	enabled bool
	unicode bool
	ok      *color.Color
	warn    *color.Color
	bad     *color.Color
	info    *color.Color
	muted   *color.Color
	header  *color.Color
}

// NewPalette detects terminal support for f. noColor forces plain output.
func NewPalette(f *os.File, noColor bool) *Palette {
	enabled := !noColor && supportsColor(f)
	return newPalette(enabled, enabled && supportsUnicode())
}

// PlainPalette never emits escape sequences
func PlainPalette() *Palette {
	return newPalette(false, false)
}

func newPalette(enabled, unicode bool) *Palette {
	p := &Palette{
		enabled: enabled,
		unicode: unicode,
		ok:      color.New(color.FgHiGreen),
		warn:    color.New(color.FgHiYellow),
		bad:     color.New(color.FgHiRed),
		info:    color.New(color.FgCyan),
		muted:   color.New(color.FgWhite),
		header:  color.New(color.FgHiBlue, color.Bold),
	}
	for _, c := range []*color.Color{p.ok, p.warn, p.bad, p.info, p.muted, p.header} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func supportsColor(f *os.File) bool {
	if f == nil {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return false
	}
	return termenv.NewOutput(f).Profile != termenv.Ascii
}

func supportsUnicode() bool {
	for _, v := range []string{os.Getenv("LC_ALL"), os.Getenv("LANG")} {
		if v == "C" || v == "POSIX" {
			return false
		}
	}
	return true
}

// Enabled reports whether escape sequences are written
func (p *Palette) Enabled() bool { return p.enabled }

// Status colors a status word by what it means
func (p *Palette) Status(s string) string {
	switch s {
	case "success", "completed", "passed", "ok", "restored", "dry_run", "planned":
		return p.ok.Sprint(s)
	case "partial", "completed_with_warnings", "warn", "skipped", "aborted":
		return p.warn.Sprint(s)
	case "failed", "fail":
		return p.bad.Sprint(s)
	}
	return s
}

// Mark is a pass/fail glyph
func (p *Palette) Mark(passed bool) string {
	switch {
	case passed && p.unicode:
		return p.ok.Sprint("✓")
	case passed:
		return p.ok.Sprint("OK")
	case p.unicode:
		return p.bad.Sprint("✗")
	}
	return p.bad.Sprint("FAIL")
}

// Header formats a section title
func (p *Palette) Header(format string, args ...interface{}) string {
	return p.header.Sprint(fmt.Sprintf(format, args...))
}

// Warn formats a warning line
func (p *Palette) Warn(s string) string { return p.warn.Sprint(s) }

// Muted formats secondary detail
func (p *Palette) Muted(s string) string { return p.muted.Sprint(s) }

// Info formats a neutral highlight
func (p *Palette) Info(s string) string { return p.info.Sprint(s) }
