// Package sym defines the glyphs used to tag log lines and CLI output.
// These symbols are stable across logs, CLI, and documentation.
package sym

// Pulse system glyphs.
const (
	Pulse      = "꩜" // pulse: jobs, schedules and background work
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database operations
	AM         = "≡" // configuration
)

// Status glyphs used by CLI tables.
var StatusGlyph = map[string]string{
	"pending":   "·",
	"scheduled": "◷",
	"running":   Pulse,
	"completed": "✓",
	"failed":    "✗",
	"cancelled": "⊘",
	"paused":    "‖",
}

// ForStatus returns the glyph for a job status, or an empty string.
func ForStatus(status string) string {
	return StatusGlyph[status]
}
