package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/secureenv"
)

// fileSections holds the parts of a config file whose map keys are
// case-sensitive (environment variable names). viper lowercases every key it
// reads, so these sections are decoded straight from the file instead.
type fileSections struct {
	Servers     []*ServerSpec             `json:"servers" yaml:"servers" toml:"servers"`
	MCPServers  map[string]*desktopServer `json:"mcpServers" yaml:"mcpServers" toml:"mcpServers"`
	Environment *secureenv.EnvConfig      `json:"environment" yaml:"environment" toml:"environment"`
}

// desktopServer is the per-server shape of the widely used "mcpServers" map.
type desktopServer struct {
	Command  string            `json:"command" yaml:"command" toml:"command"`
	Args     []string          `json:"args" yaml:"args" toml:"args"`
	Env      map[string]string `json:"env" yaml:"env" toml:"env"`
	Cwd      string            `json:"cwd" yaml:"cwd" toml:"cwd"`
	Disabled bool              `json:"disabled" yaml:"disabled" toml:"disabled"`
}

// LoadCatalogFile reads server specs from a JSON, YAML or TOML file. Both a
// "servers" list and an "mcpServers" map keyed by id are accepted; the result
// is sorted by id.
func LoadCatalogFile(path string) ([]*ServerSpec, error) {
	sections, err := decodeFileSections(path)
	if err != nil {
		return nil, err
	}
	return sections.specs(), nil
}

func (f *fileSections) specs() []*ServerSpec {
	specs := make([]*ServerSpec, 0, len(f.Servers)+len(f.MCPServers))
	specs = append(specs, f.Servers...)

	for id, s := range f.MCPServers {
		if s == nil {
			continue
		}
		specs = append(specs, &ServerSpec{
			ID:         id,
			Command:    s.Command,
			Args:       s.Args,
			Env:        s.Env,
			WorkingDir: s.Cwd,
			Disabled:   s.Disabled,
		})
	}

	sort.SliceStable(specs, func(i, j int) bool {
		if specs[i] == nil || specs[j] == nil {
			return specs[j] == nil && specs[i] != nil
		}
		return specs[i].ID < specs[j].ID
	})
	return specs
}

func decodeFileSections(path string) (*fileSections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	sections := &fileSections{}
	if len(data) == 0 {
		return sections, nil
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", "":
		err = json.Unmarshal(data, sections)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, sections)
	case ".toml":
		_, err = toml.Decode(string(data), sections)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return sections, nil
}
