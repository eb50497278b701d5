package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"matrixci/internal/artifact"
	"matrixci/internal/history"
	"matrixci/internal/leg"
	"matrixci/internal/orchestrator"
	"matrixci/internal/state"
)

const (
	colorGreen  = "#00A36C"
	colorRed    = "#FF5555"
	colorYellow = "#F1C40F"
	colorGray   = "#808080"
)

// useColor resolves a --color value for w.
func useColor(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	default:
		f, ok := w.(*os.File)
		return ok && term.IsTerminal(int(f.Fd()))
	}
}

// printer renders command output, in color or plain.
type printer struct {
	w     io.Writer
	color bool
}

func (p printer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, format, args...)
}

func (p printer) style(hex string) lipgloss.Style {
	s := lipgloss.NewStyle()
	if p.color {
		s = s.Foreground(lipgloss.Color(hex))
	}
	return s
}

func (p printer) table(headers []string, rows [][]string, colorCol int) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...)
	if p.color {
		t = t.
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray))).
			StyleFunc(func(row, col int) lipgloss.Style {
				style := lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
				if row == table.HeaderRow {
					return style.Bold(true)
				}
				if col == colorCol && row >= 0 && row < len(rows) {
					return style.Foreground(lipgloss.Color(statusColor(rows[row][col])))
				}
				return style
			})
	} else {
		t = t.StyleFunc(func(_, _ int) lipgloss.Style {
			return lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
		})
	}
	p.printf("%s\n", t.String())
}

// statusColor colors leg conclusions, step outcomes and run statuses, which
// share their vocabulary.
func statusColor(status string) string {
	switch status {
	case "succeeded", "success", "yes":
		return colorGreen
	case "failed", "failure", "errored", "no":
		return colorRed
	case "cancelled", "unavailable":
		return colorYellow
	default:
		return colorGray
	}
}

// reproduction is the comparison of a run's trace hash against the
// previous run of the same pipeline and event.
type reproduction struct {
	previous   history.Entry
	found      bool
	reproduced bool
}

func (p printer) runReport(res *orchestrator.RunResult, run state.Run, rep reproduction) {
	p.printf("run %s  event=%s ref=%s\n", res.RunID, res.Event.Name, res.Event.Ref)
	if !res.Triggered {
		p.printf("pipeline is not triggered by this event; nothing to do\n")
		return
	}

	rows := make([][]string, 0, len(res.Legs))
	for _, l := range res.Legs {
		rows = append(rows, []string{l.LegID, l.Platform, string(l.Conclusion), strings.Join(l.FailedSteps(), ","), l.Duration.Round(time.Millisecond).String()})
	}
	p.table([]string{"LEG", "PLATFORM", "CONCLUSION", "FAILED STEPS", "DURATION"}, rows, 2)

	for _, l := range res.Legs {
		p.legSteps(l)
	}

	p.printf("%s  %d succeeded, %d failed, %d cancelled, %d unavailable\n",
		p.style(statusColor(string(run.Status))).Render(strings.ToUpper(string(run.Status))),
		res.Count(leg.ConclusionSucceeded), res.Count(leg.ConclusionFailed),
		res.Count(leg.ConclusionCancelled), res.Count(leg.ConclusionUnavailable))
	p.printf("trace %s\n", res.TraceHash)
	if rep.found {
		if rep.reproduced {
			p.printf("reproduced evaluation of run %s\n", rep.previous.RunID)
		} else {
			p.printf("%s evaluation differs from run %s (trace %s)\n",
				p.style(colorYellow).Render("warning:"), rep.previous.RunID, rep.previous.TraceHash)
		}
	}
}

// legSteps prints the steps of a leg that did not simply succeed.
func (p printer) legSteps(l *leg.LegResult) {
	if l.Conclusion == leg.ConclusionSucceeded || l.Conclusion == leg.ConclusionUnavailable {
		return
	}
	p.printf("\n%s\n", l.LegID)
	for _, s := range l.Steps {
		detail := string(s.Reason)
		if s.CauseStepID != "" {
			detail += " (" + s.CauseStepID + ")"
		}
		if s.Reason == leg.ReasonExitCode {
			detail = fmt.Sprintf("exit %d", s.ExitCode)
		}
		if s.Error != "" {
			detail += ": " + s.Error
		}
		status := s.Conclusion
		if s.Outcome != s.Conclusion {
			status = s.Outcome + "->" + s.Conclusion
		}
		p.printf("  %-10s %-28s %s\n", p.style(statusColor(s.Outcome)).Render(status), s.ID, detail)
	}
}

func (p printer) planReport(plan *orchestrator.Plan) {
	p.printf("%s  %s  event=%s ref=%s\n", plan.PipelineName, shortHash(plan.PipelineHash), plan.Event.Name, plan.Event.Ref)
	if !plan.Triggered {
		p.printf("pipeline is not triggered by this event\n")
		return
	}
	for _, l := range plan.Legs {
		avail := "yes"
		if !l.Available {
			avail = "no"
		}
		p.printf("\n%s  (%s, %s, available: %s)\n", l.Leg.ID, l.JobName, l.Leg.Platform, p.style(statusColor(avail)).Render(avail))
		rows := make([][]string, 0, len(l.Steps))
		for _, s := range l.Steps {
			var flags []string
			if s.Fatal {
				flags = append(flags, "fatal")
			}
			if s.ContinueOnError {
				flags = append(flags, "continue-on-error")
			}
			rows = append(rows, []string{s.ID, s.Action, s.Guard, strings.Join(flags, ",")})
		}
		p.table([]string{"STEP", "ACTION", "GUARD", "FLAGS"}, rows, -1)
	}
}

func (p printer) historyReport(entries []history.Entry) {
	if len(entries) == 0 {
		p.printf("no runs recorded\n")
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.RunID, e.StartedAt.Local().Format("2006-01-02 15:04:05"), e.Event, string(e.Status),
			fmt.Sprintf("%d/%d", e.LegsFailed, e.LegsTotal), shortHash(e.TraceHash),
		})
	}
	p.table([]string{"RUN", "STARTED", "EVENT", "STATUS", "FAILED", "TRACE"}, rows, 3)
}

func (p printer) artifactsReport(manifests []artifact.Manifest) {
	if len(manifests) == 0 {
		p.printf("no artifacts\n")
		return
	}
	rows := make([][]string, 0, len(manifests))
	for _, m := range manifests {
		rows = append(rows, []string{m.Name, m.LegID, fmt.Sprintf("%d", len(m.Files)), fmt.Sprintf("%d", m.Size())})
	}
	p.table([]string{"NAME", "LEG", "FILES", "BYTES"}, rows, -1)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
