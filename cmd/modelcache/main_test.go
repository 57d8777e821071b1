package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eilodon/Pandora-Beta1-sub000/internal/client"
	"github.com/Eilodon/Pandora-Beta1-sub000/internal/config"
)

func TestInitLogger(t *testing.T) {
	logger, err := initLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = initLogger(config.LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestLoadConfig_Fallback(t *testing.T) {
	t.Setenv(config.ConfigPathEnv, "")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	configPath = ""
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.Default().Server.HTTPPort, cfg.Server.HTTPPort)

	configPath = filepath.Join(t.TempDir(), "absent.yaml")
	defer func() { configPath = "" }()
	_, err = loadConfig()
	assert.Error(t, err, "an explicit path must exist")
}

func TestPatchCommand(t *testing.T) {
	dir := t.TempDir()
	base := bytes.Repeat([]byte("layer-0 "), 512)
	target := append(append([]byte{}, base...), []byte("layer-1")...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base"), base, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "target"), target, 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"patch",
		"--base", filepath.Join(dir, "base"),
		"--target", filepath.Join(dir, "target"),
		"--out", filepath.Join(dir, "p")})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "wrote")

	patch, err := os.ReadFile(filepath.Join(dir, "p"))
	require.NoError(t, err)
	got, err := client.ApplyPatch(base, patch, 0)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}
