package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

const appDirName = "miko"

// StoragePaths contains paths for application storage
type StoragePaths struct {
	ConfigPath  string
	SessionsDir string
	HistoryDB   string
	LogDir      string
}

// GetDefaultStoragePaths returns default storage paths using XDG base
// directories. Configuration lives under XDG_CONFIG_HOME; sessions, the
// audit database, and logs are state data under XDG_STATE_HOME.
func GetDefaultStoragePaths() StoragePaths {
	return StoragePaths{
		ConfigPath:  filepath.Join(xdg.ConfigHome, appDirName, "config.json"),
		SessionsDir: filepath.Join(xdg.StateHome, appDirName, "sessions"),
		HistoryDB:   filepath.Join(xdg.StateHome, appDirName, "history.db"),
		LogDir:      filepath.Join(xdg.StateHome, appDirName, "logs"),
	}
}
