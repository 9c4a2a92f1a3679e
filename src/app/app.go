// Package app wires the application together: configuration, storage, the
// agent bridge, and the chat orchestrator.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/mikoapp/miko/src/bridge"
	"github.com/mikoapp/miko/src/chat"
	"github.com/mikoapp/miko/src/cliruntime"
	"github.com/mikoapp/miko/src/config"
	"github.com/mikoapp/miko/src/guiagent"
	"github.com/mikoapp/miko/src/history"
	"github.com/mikoapp/miko/src/msgchan"
	"github.com/mikoapp/miko/src/session"
	"github.com/mikoapp/miko/src/stream"
)

// App holds every service the application runs.
type App struct {
	Config     *config.Config
	Sessions   *session.Store
	Bridge     *bridge.Bridge
	Controller *stream.Controller
	Chat       *chat.Service
	History    *history.Store
	Logger     *slog.Logger
}

// AppConfig holds configuration for creating a new App instance.
type AppConfig struct {
	Fs         afero.Fs
	ConfigPath string
	UI         chat.UINotifier
	Logger     *slog.Logger
}

// New creates an App with all services initialized.
func New(cfg AppConfig) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	paths := config.GetDefaultStoragePaths()
	configPath := cfg.ConfigPath
	if configPath == "" {
		configPath = paths.ConfigPath
	}

	conf, err := config.Load(fs, configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := session.NewStore(fs, paths.SessionsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(paths.HistoryDB), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	audit, err := history.Open(paths.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	workingDir := conf.WorkingDirectory
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}

	cliPath := config.FindAgentCLI(conf.Agent.CLIPath)
	var runtime *cliruntime.Runtime
	if cliPath != "" {
		runtime = cliruntime.New(cliPath, logger)
	} else {
		logger.Warn("agent CLI not found, sends will fail until it is installed")
	}

	var sidecar *guiagent.Client
	if conf.GUIAgent.Enabled {
		sidecar = guiagent.New(conf.GUIAgent.SidecarURL, logger)
	}

	envVars := config.LoadEnvFile(fs, filepath.Join(workingDir, ".env"))

	bridgeOpts := bridge.Options{
		CLIPath:          cliPath,
		WorkingDirectory: workingDir,
		EnvVars:          envVars,
		Settings: bridge.Settings{
			APIKey:            conf.Agent.APIKey,
			Model:             conf.Agent.Model,
			Temperature:       conf.Agent.Temperature,
			MaxThinkingTokens: conf.Agent.MaxThinkingTokens,
			SystemPrompt:      conf.Agent.SystemPrompt,
		},
		GUIAgent: sidecar,
		Logger:   logger,
	}
	if runtime != nil {
		bridgeOpts.Runtime = runtime
	}
	agentBridge := bridge.New(bridgeOpts)

	controller := stream.NewController()
	if conf.Stream.TypewriterIntervalMs > 0 {
		controller.SetTypewriterSpeed(time.Duration(conf.Stream.TypewriterIntervalMs) * time.Millisecond)
	}

	chatService := chat.NewService(chat.Options{
		Agent:      agentBridge,
		Store:      store,
		Controller: controller,
		Queue:      msgchan.New(),
		UI:         cfg.UI,
		Audit:      audit,
		Logger:     logger,
	})

	return &App{
		Config:     conf,
		Sessions:   store,
		Bridge:     agentBridge,
		Controller: controller,
		Chat:       chatService,
		History:    audit,
		Logger:     logger,
	}, nil
}

// Close releases all resources held by the app.
func (a *App) Close() error {
	a.Chat.Interrupt()
	if a.History != nil {
		return a.History.Close()
	}
	return nil
}
