package configpaths

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCandidatePathsRoutesUserPath(t *testing.T) {
	tests := []struct {
		path  string
		which int
	}{
		{"my.json", 0},
		{"my.yml", 1},
		{"my.yaml", 1},
		{"my.toml", 2},
		{"noext", 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			j, y, to := ConfigCandidatePaths(tt.path)
			lists := [][]string{j, y, to}
			assert.Equal(t, tt.path, lists[tt.which][0])
		})
	}
}

func TestDirsFollowXDG(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("XDG only applies on unix")
	}
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	dir, err := DefaultConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/xdg", "joyconbridge"), dir)

	key, err := ViiperKeyFile()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/xdg", "viiper", ViiperKeyFileName), key)

	_, y, _ := ConfigCandidatePaths("")
	assert.Contains(t, y, filepath.Join(dir, "config.yaml"))
}
