package render

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// maxErrorWidth caps the width of the per-session error lines under a table.
const maxErrorWidth = 100

// Truncate shortens s to maxWidth visual columns, ending in "..." when cut.
// Escape sequences and wide characters are measured by their displayed width.
func Truncate(s string, maxWidth int) string {
	if maxWidth <= 3 {
		return "..."
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, "...")
}
