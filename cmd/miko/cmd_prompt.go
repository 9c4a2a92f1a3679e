package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mikoapp/miko/src/agentsdk"
	"github.com/mikoapp/miko/src/app"
	"github.com/mikoapp/miko/src/chat"
)

// PromptCmd sends one message and prints the streamed reply.
type PromptCmd struct {
	Text       []string `arg:"" help:"The message to send"`
	AllowTools bool     `help:"Approve tool use without asking"`
	Session    string   `help:"Session id to continue"`
}

func (c *PromptCmd) Run(cli *CLI) error {
	logger := createCLILogger(cli.LogLevel)

	ui := &consoleUI{allowTools: c.AllowTools}
	application, err := app.New(app.AppConfig{
		ConfigPath: cli.Config,
		UI:         ui,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer application.Close()
	ui.chat = application.Chat

	if c.Session != "" {
		if !application.Chat.SwitchSession(c.Session) {
			return fmt.Errorf("unknown session: %s", c.Session)
		}
	}

	result := application.Chat.SendMessage(context.Background(), strings.Join(c.Text, " "))
	if result.Error != "" {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}

// consoleUI renders stream updates on stdout and answers permission
// prompts on the terminal.
type consoleUI struct {
	mu         sync.Mutex
	chat       *chat.Service
	allowTools bool
	printed    int
}

func (u *consoleUI) SendToUI(channel string, payload any) {
	switch channel {
	case chat.ChannelStream:
		u.renderStream(payload)
	case chat.ChannelError:
		if msg, ok := payload.(string); ok {
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", msg)
		}
	case chat.ChannelPermissionRequest:
		u.answerPermission(payload)
	}
}

func (u *consoleUI) renderStream(payload any) {
	sp, ok := payload.(chat.StreamPayload)
	if !ok {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch sp.Type {
	case "start":
		u.printed = 0
	case "text", "end", "interrupted":
		text := sp.State.CurrentText
		if len(text) > u.printed {
			fmt.Print(text[u.printed:])
			u.printed = len(text)
		}
		if sp.Type != "text" {
			fmt.Println()
		}
	case "toolCalls":
		if n := len(sp.State.ToolCalls); n > 0 {
			last := sp.State.ToolCalls[n-1]
			if last.Result == "" {
				fmt.Fprintf(os.Stderr, "[tool] %s\n", last.Name)
			}
		}
	}
}

func (u *consoleUI) answerPermission(payload any) {
	req, ok := payload.(chat.PermissionRequest)
	if !ok {
		return
	}

	u.mu.Lock()
	svc := u.chat
	allow := u.allowTools
	u.mu.Unlock()
	if svc == nil {
		return
	}

	if allow {
		svc.ResolvePermission(req.ID, agentsdk.PermissionAllow)
		return
	}

	fmt.Fprintf(os.Stderr, "\n%s\nAllow? [y/N] ", req.Description)
	var answer string
	fmt.Fscanln(os.Stdin, &answer)
	decision := agentsdk.PermissionDeny
	if strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes") {
		decision = agentsdk.PermissionAllow
	}
	svc.ResolvePermission(req.ID, decision)
}
