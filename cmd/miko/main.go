package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// CLI represents the main CLI structure
type CLI struct {
	LogLevel string `default:"warn" help:"Log level"`
	Config   string `help:"Path to config file" type:"path"`

	Prompt   PromptCmd   `cmd:"" help:"Send a single message to the agent"`
	Sessions SessionsCmd `cmd:"" help:"List chat sessions"`
	Doctor   DoctorCmd   `cmd:"" help:"Check agent CLI and sidecar health"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("miko"),
		kong.Description("Desktop pet companion backed by an agentic coding CLI"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	err := ctx.Run(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
