// internal/orchestrator/format.go
package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxToolInputChars = 100

// FormatToolCall renders a tool invocation notice, e.g. "🔧 BASH\nls -la".
func FormatToolCall(name string, input map[string]any) string {
	header := "🔧 " + strings.ToUpper(name)
	if detail := toolDetail(name, input); detail != "" {
		return header + "\n" + detail
	}
	return header
}

func toolDetail(name string, input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	var key string
	switch name {
	case "Bash", "bash":
		key = "command"
	case "Read", "Write", "Edit", "MultiEdit", "NotebookEdit":
		key = "file_path"
	case "Glob", "Grep":
		key = "pattern"
	case "WebFetch":
		key = "url"
	case "WebSearch":
		key = "query"
	}
	if key != "" {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}

	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprint(input)
	}
	s := string(data)
	if r := []rune(s); len(r) > maxToolInputChars {
		s = string(r[:maxToolInputChars]) + "..."
	}
	return s
}
