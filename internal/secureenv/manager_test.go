package secureenv

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(cfg *EnvConfig, host ...string) *Manager {
	m := NewManager(cfg)
	m.environ = func() []string { return host }
	return m
}

func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

func TestBuildFiltersHostEnvironment(t *testing.T) {
	m := newTestManager(&EnvConfig{
		InheritSystemSafe: true,
		AllowedSystemVars: []string{"PATH", "HOME"},
	}, "PATH=/usr/bin", "HOME=/home/u", "AWS_SECRET_ACCESS_KEY=leak", "GMAIL_TOKEN=other-user")

	env := envMap(m.Build(nil))

	assert.Equal(t, "/usr/bin", env["PATH"])
	assert.Equal(t, "/home/u", env["HOME"])
	assert.NotContains(t, env, "AWS_SECRET_ACCESS_KEY")
	assert.NotContains(t, env, "GMAIL_TOKEN")
}

func TestBuildOverridePrecedence(t *testing.T) {
	m := newTestManager(&EnvConfig{
		InheritSystemSafe: true,
		AllowedSystemVars: []string{"LANG"},
		CustomVars:        map[string]string{"LANG": "custom", "REGION": "eu"},
	}, "LANG=host")

	env := envMap(m.Build(map[string]string{"LANG": "server", "TOKEN": "abc"}))

	assert.Equal(t, "server", env["LANG"])
	assert.Equal(t, "eu", env["REGION"])
	assert.Equal(t, "abc", env["TOKEN"])
}

func TestBuildWithoutInheritance(t *testing.T) {
	m := newTestManager(&EnvConfig{InheritSystemSafe: false, AllowedSystemVars: []string{"PATH"}}, "PATH=/usr/bin")

	env := m.Build(map[string]string{"ONLY": "me"})
	require.Len(t, env, 1)
	assert.Equal(t, "ONLY=me", env[0])
}

func TestBuildIsDeterministic(t *testing.T) {
	m := newTestManager(DefaultEnvConfig(), "PATH=/bin", "HOME=/h", "LANG=C")
	overrides := map[string]string{"B": "2", "A": "1", "C": "3"}

	first := m.Build(overrides)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, m.Build(overrides))
	}
}

func TestBuildDoesNotLeakBetweenCalls(t *testing.T) {
	m := newTestManager(DefaultEnvConfig())

	a := envMap(m.Build(map[string]string{"AGENT_ID": "a"}))
	b := envMap(m.Build(map[string]string{"AGENT_ID": "b"}))

	assert.Equal(t, "a", a["AGENT_ID"])
	assert.Equal(t, "b", b["AGENT_ID"])
}

func TestEnhancePathPrependsMissingToolDirs(t *testing.T) {
	m := newTestManager(&EnvConfig{
		InheritSystemSafe: true,
		AllowedSystemVars: []string{"PATH"},
		EnhancePath:       true,
	}, "PATH=/usr/bin")
	m.toolPaths = []string{"/opt/tools/bin", "/usr/bin"}

	env := envMap(m.Build(nil))
	assert.Equal(t, "/opt/tools/bin"+string(os.PathListSeparator)+"/usr/bin", env["PATH"])
}
