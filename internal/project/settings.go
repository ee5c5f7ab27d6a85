// Package project loads optional per-project agent settings from
// <project>/.ralph/project.yaml (or .yml, or .toml).
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"go.yaml.in/yaml/v3"
)

// Dir is the settings directory inside a project.
const Dir = ".ralph"

// candidates are checked in order; the first existing file wins.
var candidates = []string{"project.yaml", "project.yml", "project.toml"}

// Settings customise how jobs run against one project.
type Settings struct {
	// BaseRef is the ref job branches start from. Defaults to HEAD.
	BaseRef string `yaml:"base_ref" toml:"base_ref"`
	// Model overrides the executor's model.
	Model string `yaml:"model" toml:"model"`
	// AllowedTools overrides the executor's tool allow-list.
	AllowedTools []string `yaml:"allowed_tools" toml:"allowed_tools"`
	// Instructions are prepended to every prompt for this project.
	Instructions string `yaml:"instructions" toml:"instructions"`

	// Source is the file the settings were read from, if any.
	Source string `yaml:"-" toml:"-"`
}

// BaseRefOrHead returns BaseRef, or HEAD when unset.
func (s *Settings) BaseRefOrHead() string {
	if s == nil || strings.TrimSpace(s.BaseRef) == "" {
		return "HEAD"
	}
	return strings.TrimSpace(s.BaseRef)
}

// Load reads the settings for the project at root. A project without a
// settings file yields empty settings and no error.
func Load(root string) (*Settings, error) {
	if root == "" {
		return &Settings{}, nil
	}

	for _, name := range candidates {
		path := filepath.Join(root, Dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		settings, err := parse(path, data)
		if err != nil {
			return nil, err
		}
		settings.Source = path
		return settings, nil
	}
	return &Settings{}, nil
}

func parse(path string, data []byte) (*Settings, error) {
	var s Settings
	if filepath.Ext(path) == ".toml" {
		if err := toml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return &s, nil
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &s, nil
}
