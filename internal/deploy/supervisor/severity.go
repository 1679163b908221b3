package supervisor

import (
	"strings"

	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// classifyLine infers a log level from how the line starts. Agent runtimes
// print leveled prefixes in a handful of common shapes; anything unrecognized
// is info.
func classifyLine(line string) v1.LogLevel {
	trimmed := strings.TrimLeft(line, " \t")

	// Bracketed prefixes like "[ERROR] something failed"
	if strings.HasPrefix(trimmed, "[") {
		if end := strings.IndexByte(trimmed, ']'); end > 0 {
			trimmed = trimmed[1:end]
		}
	}

	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "ERROR"),
		strings.HasPrefix(upper, "FATAL"),
		strings.HasPrefix(upper, "PANIC"),
		strings.HasPrefix(upper, "TRACEBACK"),
		strings.HasPrefix(upper, "CRITICAL"):
		return v1.LogLevelError
	case strings.HasPrefix(upper, "WARN"):
		return v1.LogLevelWarning
	}
	return v1.LogLevelInfo
}
