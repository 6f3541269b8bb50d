package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/valandreev/mediasync/core/cfg"
)

func newTestCLI() *cli.App {
	app := cfg.NewApp()
	app.Commands = []cli.Command{
		cacheCommand(),
		uploadCommand(),
		voiceCommand(),
		validateCommand(),
		uploadsCommand(),
	}
	return app
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	old := stdout
	stdout = &out
	defer func() { stdout = old }()
	err := newTestCLI().Run(append([]string{"mediasync"}, args...))
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "version: 1\n" +
		"cache:\n  dir: " + filepath.Join(dir, "cache") + "\n" +
		"backend:\n  kind: minio\n  endpoint: 127.0.0.1:1\n  bucket: media\n" +
		"journal:\n  path: " + filepath.Join(dir, "uploads.db") + "\n" +
		"log:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestCLICacheSetGetSize(t *testing.T) {
	conf := writeConfig(t)
	src := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(src, []byte("12345"), 0o600))

	_, err := runCLI(t, "--config", conf, "cache", "set", "https://cdn.example.com/photo.jpg", src)
	require.NoError(t, err)

	out, err := runCLI(t, "--config", conf, "cache", "get", "https://cdn.example.com/photo.jpg")
	require.NoError(t, err)
	cached := strings.TrimSpace(out)
	data, err := os.ReadFile(cached)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))

	out, err = runCLI(t, "--config", conf, "cache", "size")
	require.NoError(t, err)
	assert.Equal(t, "5", strings.TrimSpace(out))

	_, err = runCLI(t, "--config", conf, "cache", "clear")
	require.NoError(t, err)
	_, err = runCLI(t, "--config", conf, "cache", "get", "https://cdn.example.com/photo.jpg")
	require.Error(t, err)
}

func TestCLIValidate(t *testing.T) {
	conf := writeConfig(t)
	clip := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(clip, []byte("video"), 0o600))

	out, err := runCLI(t, "--config", conf, "validate", "--kind", "video", clip)
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(out))

	_, err = runCLI(t, "--config", conf, "validate", "--kind", "video", filepath.Join(t.TempDir(), "missing.mp4"))
	require.Error(t, err)
}

func TestCLIUploadsListEmpty(t *testing.T) {
	conf := writeConfig(t)
	out, err := runCLI(t, "--config", conf, "uploads", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")

	out, err = runCLI(t, "--config", conf, "uploads", "prune", "--older-than", "1h", "--failed")
	require.NoError(t, err)
	assert.Equal(t, "pruned 0", strings.TrimSpace(out))
}

func TestCLIWritesTemplateWhenConfigMissing(t *testing.T) {
	conf := filepath.Join(t.TempDir(), "config.yaml")
	_, err := runCLI(t, "--config", conf, "cache", "size")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrote a config template")
	_, statErr := os.Stat(conf)
	assert.NoError(t, statErr)
}
