package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrMissingToken = errors.New("agent token missing or can not be read")

// Identity is written by the installer. The file may be YAML or JSON.
type Identity struct {
	AgentToken   string `yaml:"agentToken"`
	AgentID      string `yaml:"agentId"`
	OrgToken     string `yaml:"orgToken"`
	AgentVersion string `yaml:"agentVersion"`
}

func LoadIdentity(path string) (Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMissingToken, err)
	}
	var id Identity
	if err := yaml.Unmarshal(b, &id); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMissingToken, err)
	}
	if id.AgentToken == "" {
		return Identity{}, ErrMissingToken
	}
	return id, nil
}
