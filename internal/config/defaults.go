package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// DefaultPaths contains the default file locations.
type DefaultPaths struct {
	ConfigDir  string
	DataDir    string
	LogDir     string
	RuntimeDir string

	ConfigFile   string
	ManifestDir  string
	DatabaseFile string
	SocketPath   string
}

// GetDefaultPaths returns the default paths. A daemon running as root uses
// the system locations:
//
//	/etc/vrmoded/config.toml
//	/etc/vrmoded/listeners.d/
//	/var/lib/vrmoded/grants.db
//	/var/log/vrmoded/
//	/run/vrmoded/vrmoded.sock
//
// Anyone else gets the XDG equivalents under their home directory.
func GetDefaultPaths() *DefaultPaths {
	var p DefaultPaths
	if os.Geteuid() == 0 {
		p.ConfigDir = "/etc/vrmoded"
		p.DataDir = "/var/lib/vrmoded"
		p.LogDir = "/var/log/vrmoded"
		p.RuntimeDir = "/run/vrmoded"
	} else {
		p.ConfigDir = filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "vrmoded")
		p.DataDir = filepath.Join(xdgDir("XDG_DATA_HOME", ".local/share"), "vrmoded")
		p.LogDir = filepath.Join(xdgDir("XDG_STATE_HOME", ".local/state"), "vrmoded")
		p.RuntimeDir = userRuntimeDir()
	}
	p.ConfigFile = filepath.Join(p.ConfigDir, "config.toml")
	p.ManifestDir = filepath.Join(p.ConfigDir, "listeners.d")
	p.DatabaseFile = filepath.Join(p.DataDir, "grants.db")
	p.SocketPath = filepath.Join(p.RuntimeDir, "vrmoded.sock")
	return &p
}

func xdgDir(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "vrmoded-"+strconv.Itoa(os.Getuid()))
	}
	return filepath.Join(home, fallback)
}

func userRuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, "vrmoded")
	}
	return filepath.Join(os.TempDir(), "vrmoded-"+strconv.Itoa(os.Getuid()))
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches the working directory and then the config
// directory. It returns "" when nothing is found.
func FindConfigFile() string {
	for _, dir := range []string{".", GetDefaultPaths().ConfigDir} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
