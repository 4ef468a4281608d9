// Package render formats sessions and discovery records for the terminal.
package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/claudio-ide/internal/discovery"
	"github.com/Iron-Ham/claudio-ide/internal/instance"
	"github.com/Iron-Ham/claudio-ide/internal/session"
)

// Colors
var (
	PrimaryColor = lipgloss.Color("#A78BFA")
	GreenColor   = lipgloss.Color("#10B981")
	YellowColor  = lipgloss.Color("#F59E0B")
	RedColor     = lipgloss.Color("#F87171")
	BlueColor    = lipgloss.Color("#60A5FA")
	MutedColor   = lipgloss.Color("#9CA3AF")
)

// Styles
var (
	Header  = lipgloss.NewStyle().Bold(true).Foreground(PrimaryColor)
	Muted   = lipgloss.NewStyle().Foreground(MutedColor)
	Success = lipgloss.NewStyle().Foreground(GreenColor)
	Warning = lipgloss.NewStyle().Foreground(YellowColor)
	Error   = lipgloss.NewStyle().Foreground(RedColor)
	Info    = lipgloss.NewStyle().Foreground(BlueColor)
)

// StateStyle returns the style for a session state.
func StateStyle(s session.State) lipgloss.Style {
	switch s {
	case session.StateRunning:
		return Success
	case session.StateDegraded:
		return Warning
	case session.StateError:
		return Error
	case session.StateCreated, session.StateStarting:
		return Info
	default:
		return Muted
	}
}

// Sessions writes a table of sessions. The active session is marked with *.
func Sessions(w io.Writer, infos []instance.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(w, Muted.Render("No sessions."))
		return
	}

	now := time.Now()
	t := newTable("", "ID", "STATE", "PORT", "CLIENTS", "IDLE", "WORKDIR")
	styles := make([]lipgloss.Style, 0, len(infos))
	for _, info := range infos {
		marker := " "
		if info.Active {
			marker = "*"
		}
		idle := info.Idle
		if idle == 0 && !info.LastActivityAt.IsZero() {
			idle = now.Sub(info.LastActivityAt)
		}
		t.add(marker, ShortID(info.ID), string(info.State), portString(info.Port),
			strconv.Itoa(info.Clients), Duration(idle), info.Workdir)
		styles = append(styles, StateStyle(info.State))
	}
	t.write(w, func(row, col int, cell string) string {
		switch col {
		case 0:
			return Success.Render(cell)
		case 2:
			return styles[row].Render(cell)
		default:
			return cell
		}
	})

	for _, info := range infos {
		if info.LastError != "" {
			fmt.Fprintf(w, "%s %s\n", Error.Render(ShortID(info.ID)+":"), Truncate(info.LastError, maxErrorWidth))
		}
		if info.Agent != "" {
			fmt.Fprintf(w, "%s %s\n", Muted.Render(ShortID(info.ID)+" agent:"), info.Agent)
		}
	}
}

// Session writes a one-line summary of a session.
func Session(w io.Writer, info instance.Info) {
	fmt.Fprintf(w, "%s %s %s port %s  %s\n",
		Header.Render(info.ID),
		StateStyle(info.State).Render(string(info.State)),
		Muted.Render("on"),
		portString(info.Port),
		info.Workdir)
}

// Records writes a table of discovery records. alive reports whether a
// record's owning process still runs.
func Records(w io.Writer, records []discovery.Record, alive func(pid int) bool) {
	if len(records) == 0 {
		fmt.Fprintln(w, Muted.Render("No discovery records."))
		return
	}

	t := newTable("PORT", "SESSION", "PID", "STATUS", "IDE", "WORKTREE")
	stale := make([]bool, 0, len(records))
	for _, rec := range records {
		status := "live"
		if alive != nil && !alive(rec.PID) {
			status = "stale"
		}
		stale = append(stale, status == "stale")
		t.add(strconv.Itoa(rec.Port), ShortID(rec.SessionID), strconv.Itoa(rec.PID), status, rec.IDEName, rec.WorktreePath)
	}
	t.write(w, func(row, col int, cell string) string {
		if col != 3 {
			return cell
		}
		if stale[row] {
			return Warning.Render(cell)
		}
		return Success.Render(cell)
	})
}

// Env writes KEY=VALUE lines, prefixed with "export " when export is set.
func Env(w io.Writer, env []string, export bool) {
	for _, kv := range env {
		if export {
			key, value, _ := strings.Cut(kv, "=")
			fmt.Fprintf(w, "export %s=%s\n", key, shellQuote(value))
			continue
		}
		fmt.Fprintln(w, kv)
	}
}

// ShortID returns the first eight characters of a session id.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Duration formats d compactly: 42s, 5m, 3h, 2d.
func Duration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func portString(port int) string {
	if port == 0 {
		return "-"
	}
	return strconv.Itoa(port)
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// table pads plain cells to column width before styling, so colour escape
// sequences do not break alignment.
type table struct {
	header []string
	rows   [][]string
	widths []int
}

func newTable(header ...string) *table {
	t := &table{header: header, widths: make([]int, len(header))}
	t.measure(header)
	return t
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
	t.measure(cells)
}

func (t *table) measure(cells []string) {
	for i, c := range cells {
		if w := lipgloss.Width(c); w > t.widths[i] {
			t.widths[i] = w
		}
	}
}

func (t *table) write(w io.Writer, style func(row, col int, cell string) string) {
	fmt.Fprintln(w, Header.Render(t.line(t.header)))
	for r, row := range t.rows {
		cells := make([]string, len(row))
		for c, cell := range row {
			cells[c] = style(r, c, t.pad(c, cell))
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

func (t *table) line(cells []string) string {
	padded := make([]string, len(cells))
	for i, c := range cells {
		padded[i] = t.pad(i, c)
	}
	return strings.TrimRight(strings.Join(padded, "  "), " ")
}

func (t *table) pad(col int, cell string) string {
	if col == len(t.widths)-1 {
		return cell
	}
	return cell + strings.Repeat(" ", t.widths[col]-lipgloss.Width(cell))
}
