// Package config loads, validates, and persists the application's
// settings, and locates the agent CLI and state directories.
package config

// Config is the persisted application configuration.
type Config struct {
	// Version of the configuration format
	Version string `json:"version"`

	// Agent holds the settings applied to every agent query.
	Agent AgentConfig `json:"agent"`

	// GUIAgent configures the GUI automation sidecar.
	GUIAgent GUIAgentConfig `json:"guiAgent"`

	// Stream configures how responses are rendered.
	Stream StreamConfig `json:"stream"`

	// WorkingDirectory is where agent queries run. Empty means the
	// process working directory.
	WorkingDirectory string `json:"workingDirectory,omitempty"`

	// Debug enables verbose logging.
	Debug bool `json:"debug,omitempty"`
}

// AgentConfig holds per-query agent settings.
type AgentConfig struct {
	// CLIPath overrides agent CLI discovery when set.
	CLIPath string `json:"cliPath,omitempty"`

	// APIKey is passed to the agent CLI via its environment.
	APIKey string `json:"apiKey,omitempty"`

	Model             string   `json:"model,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxThinkingTokens *int     `json:"maxThinkingTokens,omitempty" validate:"omitempty,gt=0"`
	SystemPrompt      string   `json:"systemPrompt,omitempty"`
}

// GUIAgentConfig points at the automation sidecar.
type GUIAgentConfig struct {
	Enabled    bool   `json:"enabled"`
	SidecarURL string `json:"sidecarUrl,omitempty" validate:"omitempty,url"`
}

// StreamConfig controls response pacing.
type StreamConfig struct {
	// TypewriterIntervalMs is the delay between released characters.
	TypewriterIntervalMs int `json:"typewriterIntervalMs" validate:"gte=0,lte=1000"`
}
