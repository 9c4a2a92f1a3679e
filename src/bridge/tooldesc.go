package bridge

import "fmt"

// ToolDescription renders a human-readable one-liner for a permission
// prompt.
func ToolDescription(toolName string, input map[string]any) string {
	switch toolName {
	case "Bash":
		return fmt.Sprintf("Run command: %s", inputField(input, "command"))
	case "Edit":
		return fmt.Sprintf("Edit file: %s", inputField(input, "file_path"))
	case "Write":
		return fmt.Sprintf("Write to file: %s", inputField(input, "file_path"))
	case "Read":
		return fmt.Sprintf("Read file: %s", inputField(input, "file_path"))
	case "Grep":
		return fmt.Sprintf("Search for: %s", inputField(input, "pattern"))
	case "Glob":
		return fmt.Sprintf("Find files matching: %s", inputField(input, "pattern"))
	case "gui_agent_run":
		return fmt.Sprintf("Run GUI Agent task: %s", inputField(input, "instruction"))
	default:
		return fmt.Sprintf("Use tool: %s", toolName)
	}
}

func inputField(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}
