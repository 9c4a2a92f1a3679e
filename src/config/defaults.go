package config

// DefaultSidecarURL is where the GUI agent sidecar listens out of the box.
const DefaultSidecarURL = "http://127.0.0.1:8787"

// DefaultTypewriterIntervalMs matches the stream controller's default
// pacing.
const DefaultTypewriterIntervalMs = 20

// DefaultConfig returns the configuration used before the user changes
// anything.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		GUIAgent: GUIAgentConfig{
			Enabled:    true,
			SidecarURL: DefaultSidecarURL,
		},
		Stream: StreamConfig{
			TypewriterIntervalMs: DefaultTypewriterIntervalMs,
		},
	}
}
