// ABOUTME: Message template rendering with {variable} substitution
// ABOUTME: Unknown variables render empty and are logged, never fatal

package engine

import (
	"log/slog"
	"regexp"
)

var templateVar = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// renderTemplate substitutes {name} placeholders from collected inputs.
// A placeholder with no collected value renders as an empty string; flow
// authors referencing uncollected variables get a log line, not an error.
func renderTemplate(tmpl string, vars map[string]string, logger *slog.Logger, flowID string) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		val, ok := vars[name]
		if !ok {
			logger.Warn("template references uncollected variable",
				"flow_id", flowID,
				"variable", name)
			return ""
		}
		return val
	})
}
