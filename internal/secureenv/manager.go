// Package secureenv builds the environment handed to each spawned tool server.
//
// Nothing is read from package-level state: every spawn gets a fresh slice built
// from the filtered host environment plus the overrides declared for that server.
package secureenv

import (
	"os"
	"runtime"
	"sort"
	"strings"
)

const osWindows = "windows"

// EnvConfig controls which host variables are inherited by tool servers.
type EnvConfig struct {
	InheritSystemSafe bool              `json:"inherit_system_safe" yaml:"inherit_system_safe" toml:"inherit_system_safe" mapstructure:"inherit_system_safe"`
	AllowedSystemVars []string          `json:"allowed_system_vars" yaml:"allowed_system_vars" toml:"allowed_system_vars" mapstructure:"allowed_system_vars"`
	CustomVars        map[string]string `json:"custom_vars" yaml:"custom_vars" toml:"custom_vars" mapstructure:"custom_vars"`
	EnhancePath       bool              `json:"enhance_path" yaml:"enhance_path" toml:"enhance_path" mapstructure:"enhance_path"`
}

// DefaultEnvConfig returns the allow-list used when nothing is configured.
func DefaultEnvConfig() *EnvConfig {
	allowedVars := []string{
		"PATH",
		"HOME",
		"TMPDIR",
		"TEMP",
		"TMP",
		"SHELL",
		"TERM",
		"LANG",
		"USER",
		"USERNAME",
	}

	if runtime.GOOS == osWindows {
		allowedVars = append(allowedVars,
			"USERPROFILE",
			"APPDATA",
			"LOCALAPPDATA",
			"PROGRAMFILES",
			"SYSTEMROOT",
			"COMSPEC",
		)
	} else {
		allowedVars = append(allowedVars,
			"XDG_CONFIG_HOME",
			"XDG_DATA_HOME",
			"XDG_CACHE_HOME",
			"XDG_RUNTIME_DIR",
		)
	}

	allowedVars = append(allowedVars,
		"LC_ALL", "LC_CTYPE", "LC_NUMERIC", "LC_TIME", "LC_COLLATE",
		"LC_MONETARY", "LC_MESSAGES",
	)

	return &EnvConfig{
		InheritSystemSafe: true,
		AllowedSystemVars: allowedVars,
		CustomVars:        make(map[string]string),
	}
}

// Manager assembles per-spawn environments.
type Manager struct {
	config    *EnvConfig
	toolPaths []string
	environ   func() []string
}

// NewManager creates a manager; a nil config means DefaultEnvConfig.
func NewManager(config *EnvConfig) *Manager {
	if config == nil {
		config = DefaultEnvConfig()
	}
	return &Manager{
		config:    config,
		toolPaths: discoverToolPaths(),
		environ:   os.Environ,
	}
}

// BuildSecureEnvironment returns the environment for a server that declares no
// variables of its own.
func (m *Manager) BuildSecureEnvironment() []string {
	return m.Build(nil)
}

// Build merges, in increasing precedence, the allowed host variables, the
// configured custom variables and the server's own overrides. The result is
// sorted so that identical inputs always produce identical slices.
func (m *Manager) Build(overrides map[string]string) []string {
	merged := make(map[string]string)

	if m.config.InheritSystemSafe {
		for _, kv := range m.environ() {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || !m.isAllowed(key) {
				continue
			}
			merged[key] = value
		}
	}

	for k, v := range m.config.CustomVars {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}

	if m.config.InheritSystemSafe && m.config.EnhancePath {
		merged["PATH"] = m.enhancePath(merged["PATH"])
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func (m *Manager) isAllowed(key string) bool {
	for _, allowed := range m.config.AllowedSystemVars {
		if runtime.GOOS == osWindows {
			if strings.EqualFold(allowed, key) {
				return true
			}
			continue
		}
		if allowed == key {
			return true
		}
	}
	return false
}

// enhancePath prepends well-known tool directories missing from a minimal PATH,
// which is what launchd and service managers usually hand us.
func (m *Manager) enhancePath(existing string) string {
	sep := string(os.PathListSeparator)
	var parts []string
	if existing != "" {
		parts = strings.Split(existing, sep)
	}
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		seen[p] = true
	}

	var result []string
	for _, p := range m.toolPaths {
		if !seen[p] {
			result = append(result, p)
			seen[p] = true
		}
	}
	for _, p := range parts {
		if p != "" {
			result = append(result, p)
		}
	}
	return strings.Join(result, sep)
}

func discoverToolPaths() []string {
	var candidates []string
	homeDir, _ := os.UserHomeDir()

	if runtime.GOOS == osWindows {
		candidates = []string{
			`C:\Windows\System32`,
			`C:\Program Files\nodejs`,
			`C:\Program Files\Git\cmd`,
		}
		if homeDir != "" {
			candidates = append(candidates,
				homeDir+`\AppData\Roaming\npm`,
				homeDir+`\.local\bin`,
			)
		}
	} else {
		candidates = []string{
			"/usr/local/bin",
			"/opt/homebrew/bin",
			"/usr/bin",
			"/bin",
		}
		if homeDir != "" {
			candidates = append(candidates,
				homeDir+"/.local/bin",
				homeDir+"/.npm/bin",
				homeDir+"/.cargo/bin",
				homeDir+"/go/bin",
			)
		}
	}

	var existing []string
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	return existing
}
