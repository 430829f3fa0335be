// Package configpaths resolves where configuration files are looked up.
package configpaths

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

const (
	appName = "joyconbridge"
	// ViiperKeyFileName is where a local VIIPER server keeps its API password.
	ViiperKeyFileName = "viiper.key.txt"
)

// configDir returns the platform configuration directory of name.
func configDir(name string) (string, error) {
	switch runtime.GOOS {
	case "windows":
		if appdata := os.Getenv("AppData"); appdata != "" {
			return filepath.Join(appdata, name), nil
		}
		return "", errors.New("AppData not set")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, name), nil
		}
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".config", name), nil
		}
		return "", errors.New("HOME not set")
	}
}

// DefaultConfigDir returns the platform-specific configuration directory.
func DefaultConfigDir() (string, error) { return configDir(appName) }

// ViiperKeyFile returns the key file path of a VIIPER server running as the
// current user.
func ViiperKeyFile() (string, error) {
	name := "viiper"
	if runtime.GOOS == "windows" {
		name = "VIIPER"
	}
	dir, err := configDir(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ViiperKeyFileName), nil
}

// EnsureDir ensures the directory for a given file path exists.
func EnsureDir(filePath string) error {
	return os.MkdirAll(filepath.Dir(filePath), 0o755)
}

// ConfigCandidatePaths builds candidate paths for config files per format.
// A userPath is tried first and routed to the loader matching its extension.
func ConfigCandidatePaths(userPath string) (jsonPaths, yamlPaths, tomlPaths []string) {
	add := func(dir, base string) {
		jsonPaths = append(jsonPaths, filepath.Join(dir, base+".json"))
		yamlPaths = append(yamlPaths, filepath.Join(dir, base+".yaml"), filepath.Join(dir, base+".yml"))
		tomlPaths = append(tomlPaths, filepath.Join(dir, base+".toml"))
	}

	if userPath != "" {
		switch filepath.Ext(userPath) {
		case ".yaml", ".yml":
			yamlPaths = append(yamlPaths, userPath)
		case ".toml":
			tomlPaths = append(tomlPaths, userPath)
		default:
			jsonPaths = append(jsonPaths, userPath)
		}
	}

	if wd, err := os.Getwd(); err == nil {
		add(wd, appName)
		add(wd, "config")
	}
	if dir, err := DefaultConfigDir(); err == nil {
		add(dir, "config")
	}
	if runtime.GOOS != "windows" {
		add(filepath.Join("/etc", appName), "config")
	}
	return
}
