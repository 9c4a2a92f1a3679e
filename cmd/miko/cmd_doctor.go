package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mikoapp/miko/src/app"
	"github.com/mikoapp/miko/src/guiagent"
)

// DoctorCmd checks that the agent CLI and the GUI sidecar are reachable.
type DoctorCmd struct{}

func (c *DoctorCmd) Run(cli *CLI) error {
	logger := createCLILogger(cli.LogLevel)

	application, err := app.New(app.AppConfig{
		ConfigPath: cli.Config,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer application.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st := application.Bridge.CheckConnection(ctx)
	fmt.Printf("agent CLI:   %s", st.Status)
	if st.CLIPath != "" {
		fmt.Printf(" (%s)", st.CLIPath)
	}
	fmt.Println()
	if st.Error != "" {
		fmt.Printf("             %s\n", st.Error)
	}

	sidecar := guiagent.New(application.Config.GUIAgent.SidecarURL, logger)
	if err := sidecar.Health(ctx); err != nil {
		fmt.Printf("GUI sidecar: unreachable (%v)\n", err)
	} else {
		fmt.Printf("GUI sidecar: ok (%s)\n", sidecar.BaseURL())
	}
	return nil
}
