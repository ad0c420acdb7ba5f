// Package report renders batch results and history for the terminal.
package report

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"shotmatch/internal/history"
	"shotmatch/internal/matcher"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	colorPass  = lipgloss.Color("#8BC34A")
	colorFail  = lipgloss.Color("#e53935")
	colorWarn  = lipgloss.Color("#FFC107")
	colorMuted = lipgloss.Color("#6b7280")
)

// Styles holds the styles a report is drawn with.
type Styles struct {
	Title  lipgloss.Style
	Header lipgloss.Style
	Cell   lipgloss.Style
	Pass   lipgloss.Style
	Fail   lipgloss.Style
	Error  lipgloss.Style
	Muted  lipgloss.Style
	Border lipgloss.Style
}

// DefaultStyles returns the standard palette.
func DefaultStyles() Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).MarginBottom(1),
		Header: lipgloss.NewStyle().Bold(true).Padding(0, 1),
		Cell:   lipgloss.NewStyle().Padding(0, 1),
		Pass:   lipgloss.NewStyle().Foreground(colorPass).Bold(true),
		Fail:   lipgloss.NewStyle().Foreground(colorFail).Bold(true),
		Error:  lipgloss.NewStyle().Foreground(colorWarn).Bold(true),
		Muted:  lipgloss.NewStyle().Foreground(colorMuted),
		Border: lipgloss.NewStyle().Foreground(colorMuted),
	}
}

// Renderer writes reports. Root, when set, shortens artifact paths.
type Renderer struct {
	Styles Styles
	Root   string
}

// New creates a renderer with the default styles.
func New(root string) *Renderer {
	return &Renderer{Styles: DefaultStyles(), Root: root}
}

// Results writes one row per result followed by the summary line.
func (r *Renderer) Results(w io.Writer, results []matcher.Result) error {
	rows := make([][]string, 0, len(results))
	for _, res := range results {
		rows = append(rows, []string{
			res.Request.Target.String(),
			res.Request.Name,
			r.status(res),
			verdictText(res),
			r.detail(res),
			formatDuration(res.Duration),
		})
	}
	t := r.table([]string{"TARGET", "NAME", "STATUS", "VERDICT", "DETAIL", "TIME"}, rows)

	_, err := fmt.Fprintf(w, "%s\n%s\n%s\n",
		r.Styles.Title.Render("Screenshot matches"), t.Render(), r.Summary(matcher.Summarize(results)))
	return err
}

// Summary renders the one-line tally of a batch.
func (r *Renderer) Summary(s matcher.Summary) string {
	parts := []string{
		r.Styles.Pass.Render(fmt.Sprintf("%d passed", s.Passed)),
		r.Styles.Fail.Render(fmt.Sprintf("%d failed", s.Failed)),
		r.Styles.Error.Render(fmt.Sprintf("%d errored", s.Errored)),
		r.Styles.Muted.Render(fmt.Sprintf("%d promoted", s.Promoted)),
	}
	return fmt.Sprintf("%s  (%d total)", strings.Join(parts, ", "), s.Total)
}

// History writes recorded runs, newest first.
func (r *Renderer) History(w io.Writer, entries []history.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, r.Styles.Muted.Render("No recorded runs."))
		return err
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		detail := e.Error
		if detail == "" {
			detail = r.relative(e.DiffPath)
		}
		rows = append(rows, []string{
			e.StartedAt.Local().Format(time.DateTime),
			e.Target.String(),
			e.Name,
			r.statusStyle(e.Status).Render(string(e.Status)),
			e.Verdict,
			detail,
			formatDuration(e.Duration),
		})
	}
	t := r.table([]string{"STARTED", "TARGET", "NAME", "STATUS", "VERDICT", "DETAIL", "TIME"}, rows)
	_, err := fmt.Fprintf(w, "%s\n%s\n", r.Styles.Title.Render("History"), t.Render())
	return err
}

func (r *Renderer) table(headers []string, rows [][]string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(r.Styles.Border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return r.Styles.Header
			}
			return r.Styles.Cell
		})
}

func (r *Renderer) status(res matcher.Result) string {
	s := history.StatusOf(res)
	return r.statusStyle(s).Render(string(s))
}

func (r *Renderer) statusStyle(s history.Status) lipgloss.Style {
	switch s {
	case history.StatusPassed:
		return r.Styles.Pass
	case history.StatusFailed:
		return r.Styles.Fail
	default:
		return r.Styles.Error
	}
}

func (r *Renderer) detail(res matcher.Result) string {
	switch {
	case res.Err != nil:
		return fmt.Sprintf("%s: %v", res.Stage, res.Err)
	case res.Passed():
		return string(res.Outcome.Action)
	default:
		return "diff " + r.relative(res.Outcome.DiffPath)
	}
}

func (r *Renderer) relative(path string) string {
	if path == "" || r.Root == "" {
		return path
	}
	if rel, err := filepath.Rel(r.Root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return path
}

func verdictText(res matcher.Result) string {
	if !res.Verdict.Valid() {
		return "-"
	}
	return res.Verdict.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(10 * time.Millisecond).String()
}
