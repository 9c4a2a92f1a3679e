package main

import (
	"fmt"

	"github.com/mikoapp/miko/src/app"
)

// SessionsCmd lists stored chat sessions.
type SessionsCmd struct{}

func (c *SessionsCmd) Run(cli *CLI) error {
	logger := createCLILogger(cli.LogLevel)

	application, err := app.New(app.AppConfig{
		ConfigPath: cli.Config,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer application.Close()

	sessions := application.Chat.Sessions()
	if len(sessions) == 0 {
		fmt.Println("No sessions yet.")
		return nil
	}

	for _, s := range sessions {
		fmt.Printf("%s  %-20s  %3d messages  last used %s\n",
			s.ID, s.Name, s.MessageCount, s.LastAccessedAt.Format("2006-01-02 15:04"))
	}
	return nil
}
