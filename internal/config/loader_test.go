package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadYAMLPreservesEnvCase(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "mcpagent.yaml", `
data_dir: `+filepath.Join(dir, "data")+`
execution_timeout: 15s
conversation:
  max_messages: 4
agent:
  model: gpt-4o
servers:
  - id: sheets
    command: node
    args: ["sheets.js"]
    env:
      GOOGLE_SHEETS_TOKEN: "${cred:sheets_token}"
    requires_credentials: [sheets_token]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, 4, cfg.Conversation.MaxMessages)
	assert.Equal(t, "gpt-4o", cfg.Agent.Model)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "sheets", cfg.Servers[0].ID)
	assert.Contains(t, cfg.Servers[0].Env, "GOOGLE_SHEETS_TOKEN")
	assert.Equal(t, []string{"sheets_token"}, cfg.Servers[0].RequiresCredentials)
	assert.DirExists(t, cfg.DataDir)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cfg.json", `{"data_dir": "`+filepath.ToSlash(filepath.Join(dir, "d"))+`", "listen": "127.0.0.1:9000"}`)
	t.Setenv("MCPAGENT_LISTEN", "127.0.0.1:9100")
	t.Setenv("MCPAGENT_AGENT_MAX_ITERATIONS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.Listen)
	assert.Equal(t, 7, cfg.Agent.MaxIterations)
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "empty.json", "")
	t.Setenv("MCPAGENT_DATA_DIR", filepath.Join(dir, "data"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultExecutionTimeout, cfg.ExecutionTimeout)
	assert.Empty(t, cfg.Servers)
}

func TestLoadServersFileTOML(t *testing.T) {
	dir := t.TempDir()
	serversPath := writeFile(t, dir, "servers.toml", `
[[servers]]
id = "zendesk"
command = "zendesk-mcp"
requires_credentials = ["zendesk_token"]

[servers.env]
ZENDESK_TOKEN = "${cred:zendesk_token}"
`)
	path := writeFile(t, dir, "mcpagent.yaml", "data_dir: "+filepath.Join(dir, "data")+"\nservers_file: "+serversPath+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "zendesk", cfg.Servers[0].ID)
	assert.Equal(t, "${cred:zendesk_token}", cfg.Servers[0].Env["ZENDESK_TOKEN"])
}

func TestLoadCatalogFileDesktopFormat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "claude.json", `{
  "mcpServers": {
    "ocr": {"command": "ocr-server", "args": ["--stdio"], "env": {"OCR_KEY": "k"}},
    "asana": {"command": "asana-mcp", "disabled": true}
  }
}`)

	specs, err := LoadCatalogFile(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "asana", specs[0].ID)
	assert.True(t, specs[0].Disabled)
	assert.Equal(t, "ocr", specs[1].ID)
	assert.Equal(t, []string{"--stdio"}, specs[1].Args)
	assert.Equal(t, "k", specs[1].Env["OCR_KEY"])
}

func TestLoadCatalogFileUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "servers.ini", "x=y")

	_, err := LoadCatalogFile(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
