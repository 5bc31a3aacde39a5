package toolbox

import (
	"fmt"
	"strings"
)

// Default bounds applied to tool output before it re-enters the model
// context. The full output is still delivered to the host via events.
const (
	DefaultMaxOutputChars = 30000
	DefaultMaxOutputLines = 256
)

// Truncate bounds tool output by characters first (head/tail split around an
// omission marker), then by lines. Zero or negative limits disable the
// corresponding pass.
func Truncate(output string, maxChars, maxLines int) string {
	if maxChars > 0 && len(output) > maxChars {
		half := maxChars / 2
		removed := len(output) - maxChars
		output = output[:half] +
			fmt.Sprintf("\n[... output truncated: %d characters omitted from the middle; re-run with more targeted parameters to see them ...]\n", removed) +
			output[len(output)-half:]
	}

	if maxLines > 0 {
		lines := strings.Split(output, "\n")
		if len(lines) > maxLines {
			head := maxLines / 2
			tail := maxLines - head
			omitted := len(lines) - maxLines
			output = strings.Join(lines[:head], "\n") +
				fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
				strings.Join(lines[len(lines)-tail:], "\n")
		}
	}
	return output
}
