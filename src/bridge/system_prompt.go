package bridge

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// agentModeHint teaches the model when to reach for GUI automation.
const agentModeHint = "If the user asks to enable Agent mode or perform on-screen actions (open apps, click, type), use the gui_agent_run tool."

// buildSystemPrompt appends the agent-mode hint and an environment block
// to the user's custom system prompt.
func buildSystemPrompt(custom, workingDir string) string {
	prompt := agentModeHint
	if custom != "" {
		prompt = custom + "\n\n" + agentModeHint
	}
	return prompt + "\n\n" + environmentInfo(workingDir)
}

func environmentInfo(workingDir string) string {
	return fmt.Sprintf(`Here is useful information about the environment you are running in:
<env>
Working directory: %s
Platform: %s
OS Version: %s
Today's date: %s
</env>`, workingDir, runtime.GOOS, osVersion(), time.Now().Format("2006-01-02"))
}

func osVersion() string {
	info, err := host.Info()
	if err == nil {
		if info.PlatformVersion != "" {
			return fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
		}
		return info.Platform
	}
	return runtime.GOOS
}
