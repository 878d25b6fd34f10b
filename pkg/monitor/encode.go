package monitor

import (
	"path/filepath"
	"strings"
)

// EncodeProjectPath maps a working-copy absolute path to the agent's
// conversation directory name. The agent replaces slashes, backslashes,
// colons, and dots with dashes and keeps the leading dash. Purely
// deterministic; distinct paths stay distinct apart from those characters.
func EncodeProjectPath(path string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.':
			return '-'
		}
		return r
	}, path)
}

// ConversationDir resolves the on-disk conversation log directory for a
// working copy. No network or process call involved.
func ConversationDir(agentHome, workPath string) string {
	return filepath.Join(agentHome, "projects", EncodeProjectPath(workPath))
}
