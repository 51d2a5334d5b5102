package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["status"])
	assert.True(t, names["version"])
}

func TestGetWorkDirDefaultsToCwd(t *testing.T) {
	dir, err := GetWorkDir("")
	assert.NoError(t, err)
	assert.NotEmpty(t, dir)
}

func TestGetWorkDirHonorsOverride(t *testing.T) {
	dir, err := GetWorkDir("/tmp/example")
	assert.NoError(t, err)
	assert.Equal(t, "/tmp/example", dir)
}
