package display

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"server-dr/internal/components"
	"server-dr/internal/coordinator"
	"server-dr/internal/drtest"
	"server-dr/internal/recovery"
)

// Renderer writes command results as a table or as JSON/YAML documents
type Renderer struct {
	out     io.Writer
	format  Format
	palette *Palette
}

// NewRenderer writes to out. Color is only used for table output on a terminal.
func NewRenderer(out io.Writer, format Format, noColor bool) *Renderer {
	p := PlainPalette()
	if f, ok := out.(*os.File); ok && format == FormatTable {
		p = NewPalette(f, noColor)
	}
	return &Renderer{out: out, format: format, palette: p}
}

// Format is the renderer's output format
func (r *Renderer) Format() Format { return r.format }

func (r *Renderer) document(v interface{}) (bool, error) {
	switch r.format {
	case FormatJSON:
		return true, WriteJSON(r.out, v)
	case FormatYAML:
		return true, WriteYAML(r.out, v)
	}
	return false, nil
}

func (r *Renderer) printf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, format, args...)
}

// Run prints the outcome of one backup run
func (r *Renderer) Run(run *coordinator.BackupRun) error {
	if done, err := r.document(run); done {
		return err
	}
	r.printf("%s %s\n", r.palette.Header("Backup run %s", shortID(run.RunID)), r.palette.Status(string(run.Status)))
	r.printf("  class: %s   duration: %s\n", run.Class, run.Duration().Round(time.Millisecond))
	if run.SkipReason != "" {
		r.printf("  skipped: %s\n", r.palette.Warn(run.SkipReason))
	}

	if len(run.Results) > 0 {
		t := NewTable(r.palette, "COMPONENT", "STATUS", "SIZE", "DURATION", "ERROR").AlignRight(2).AlignRight(3)
		for _, res := range run.Results {
			t.AddRow(res.Component, r.palette.Status(res.Status), humanize.IBytes(uint64(res.Size)),
				res.Duration.Round(time.Millisecond).String(), res.Error)
		}
		t.Render(r.out)
	}
	if run.ArchivePath != "" {
		r.printf("  archive: %s (%s)\n", run.ArchivePath, humanize.IBytes(uint64(run.SizeBytes)))
	}
	if run.RemoteKey != "" {
		r.printf("  uploaded: %s\n", run.RemoteKey)
	}
	if run.Pruned > 0 {
		r.printf("  pruned: %d archives\n", run.Pruned)
	}
	r.warnings(run.Warnings)
	if run.Error != "" {
		r.printf("  error: %s\n", run.Error)
	}
	return nil
}

// Status prints the coordinator status report
func (r *Renderer) Status(rep *coordinator.Report) error {
	if done, err := r.document(rep); done {
		return err
	}
	t := NewTable(r.palette, "ITEM", "VALUE")
	t.AddRow("host", rep.Hostname)
	t.AddRow("last run", describeRun(r.palette, rep.LastRun))
	t.AddRow("last success", describeRun(r.palette, rep.LastSuccess))
	switch {
	case !rep.Lock.Held:
		t.AddRow("lock", "free")
	case rep.Lock.Alive:
		t.AddRow("lock", fmt.Sprintf("held by pid %d since %s", rep.Lock.PID, humanize.Time(rep.Lock.AcquiredAt)))
	default:
		t.AddRow("lock", r.palette.Warn(fmt.Sprintf("stale (pid %d is gone)", rep.Lock.PID)))
	}
	t.AddRow("archives", fmt.Sprintf("%d (%s)", rep.ArchiveCount, humanize.IBytes(uint64(rep.ArchiveBytes))))
	if rep.Newest != "" {
		t.AddRow("newest", rep.Newest)
	}
	remote := rep.RemoteType
	if remote == "" {
		remote = "none"
	}
	t.AddRow("remote", remote)
	t.Render(r.out)
	return nil
}

func describeRun(p *Palette, run *coordinator.BackupRun) string {
	if run == nil {
		return p.Muted("never")
	}
	return fmt.Sprintf("%s %s (%s)", p.Status(string(run.Status)), humanize.Time(run.StartedAt), shortID(run.RunID))
}

// Health prints health-check problems; none means healthy
func (r *Renderer) Health(problems []coordinator.Problem) error {
	if done, err := r.document(map[string]interface{}{"healthy": len(problems) == 0, "problems": problems}); done {
		return err
	}
	if len(problems) == 0 {
		r.printf("%s healthy\n", r.palette.Mark(true))
		return nil
	}
	for _, p := range problems {
		r.printf("%s %-14s %s\n", r.palette.Mark(false), p.Check, p.Message)
	}
	return nil
}

// Checks prints a list of named pass/fail checks
func (r *Renderer) Checks(title string, checks []components.Check) error {
	if done, err := r.document(checks); done {
		return err
	}
	r.printf("%s\n", r.palette.Header("%s", title))
	for _, c := range checks {
		r.printf("  %s %-24s %s\n", r.palette.Mark(c.Passed), c.Name, r.palette.Muted(c.Message))
	}
	return nil
}

// Session prints a recovery session
func (r *Renderer) Session(s *recovery.Session) error {
	if done, err := r.document(s); done {
		return err
	}
	r.printf("%s %s\n", r.palette.Header("Recovery %s (%s)", shortID(s.RecoveryID), s.Mode), r.palette.Status(string(s.Status)))
	r.printf("  archive: %s\n", s.Source)
	if s.Metadata != nil {
		r.printf("  taken: %s on %s (%s)\n", s.Metadata.Timestamp.Format(time.RFC3339), s.Metadata.Hostname, humanize.Time(s.Metadata.Timestamp))
	}

	if len(s.Components) > 0 {
		t := NewTable(r.palette, "COMPONENT", "STATUS", "ACTIONS", "DURATION", "ERROR").AlignRight(2)
		for _, c := range s.Components {
			actions := 0
			if c.Result != nil {
				actions = len(c.Result.Actions)
			}
			t.AddRow(c.Component, r.palette.Status(c.Status), fmt.Sprint(actions), c.Duration.Round(time.Millisecond).String(), c.Error)
		}
		t.Render(r.out)
	}
	if s.DryRun {
		for _, c := range s.Components {
			if c.Result == nil {
				continue
			}
			for _, a := range c.Result.Actions {
				r.printf("  [%s] would %s %s\n", c.Component, strings.ReplaceAll(a.Kind, "_", " "), a.Target)
			}
		}
	}
	for _, c := range s.Verification {
		r.printf("  %s %s/%s %s\n", r.palette.Mark(c.Passed), c.Component, c.Name, r.palette.Muted(c.Message))
	}
	r.warnings(s.Warnings)
	if s.Error != "" {
		r.printf("  error: %s\n", s.Error)
	}
	if s.ReportPath != "" {
		r.printf("  report: %s\n", s.ReportPath)
	}
	return nil
}

// Archives prints the recovery candidates
func (r *Renderer) Archives(list []recovery.ArchiveInfo, errs []string) error {
	if done, err := r.document(map[string]interface{}{"archives": list, "errors": errs}); done {
		return err
	}
	t := NewTable(r.palette, "ARCHIVE", "LOCATION", "CLASS", "AGE", "SIZE", "").AlignRight(4)
	for _, a := range list {
		flags := ""
		if a.Encrypted {
			flags = "encrypted"
		}
		if a.Expired {
			flags = strings.TrimSpace(flags + " " + r.palette.Warn("expired"))
		}
		t.AddRow(a.Ref, a.Location, a.Class, humanize.RelTime(time.Now().Add(-a.Age), time.Now(), "", ""),
			humanize.IBytes(uint64(a.Size)), flags)
	}
	if t.Len() == 0 {
		r.printf("no archives found\n")
	} else {
		t.Render(r.out)
	}
	r.warnings(errs)
	return nil
}

// DRTest prints a DR test report
func (r *Renderer) DRTest(run *drtest.TestRun) error {
	if done, err := r.document(run); done {
		return err
	}
	r.printf("%s %s\n", r.palette.Header("DR test %s", shortID(run.TestID)), r.palette.Status(string(run.Status)))
	r.printf("  host: %s   %s/%s %s   duration: %s\n", run.Environment.Hostname, run.Environment.OS,
		run.Environment.Arch, run.Environment.GoVersion, run.Duration().Round(time.Millisecond))

	t := NewTable(r.palette, "TEST", "RESULT", "DURATION", "DETAIL")
	for _, res := range run.Results {
		t.AddRow(res.Name, r.palette.Mark(res.Passed), res.Duration.Round(time.Millisecond).String(), res.Message)
	}
	t.Render(r.out)

	if p := run.Performance; p != nil {
		line := fmt.Sprintf("  extraction: %.2f MB/s over %s", p.RateMBs, humanize.IBytes(uint64(p.ArchiveSize)))
		if p.BaselineAdopted {
			line += " " + r.palette.Warn("(adopted as baseline)")
		} else {
			line += fmt.Sprintf(", baseline %.2f MB/s at %.0f%% tolerance", p.BaselineMBs, p.Tolerance*100)
		}
		r.printf("%s\n", line)
	}
	r.warnings(run.Warnings)
	if run.ReportPath != "" {
		r.printf("  report: %s\n", run.ReportPath)
	}
	return nil
}

func (r *Renderer) warnings(ws []string) {
	for _, w := range ws {
		r.printf("  %s %s\n", r.palette.Warn("warning:"), w)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
