package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// agentCLIName is the executable the bridge drives.
const agentCLIName = "claude"

// FindAgentCLI locates the agent CLI binary. An explicit override wins;
// otherwise PATH is searched, then the usual install locations. Returns ""
// when the CLI is not installed.
func FindAgentCLI(override string) string {
	if override != "" {
		if _, err := os.Stat(override); err == nil {
			return override
		}
		return ""
	}

	if path, err := exec.LookPath(agentCLIName); err == nil {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	candidates := []string{
		filepath.Join(home, ".local", "bin", agentCLIName),
		filepath.Join(home, ".npm-global", "bin", agentCLIName),
		"/usr/local/bin/" + agentCLIName,
		"/opt/homebrew/bin/" + agentCLIName,
	}
	for _, candidate := range candidates {
		if home == "" && strings.HasPrefix(candidate, string(filepath.Separator)+".") {
			continue
		}
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// LoadEnvFile parses KEY=VALUE pairs from a dotenv-style file. Missing
// files yield an empty map; malformed lines are skipped.
func LoadEnvFile(fs afero.Fs, path string) map[string]string {
	vars := map[string]string{}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return vars
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		vars[key] = value
	}
	return vars
}
