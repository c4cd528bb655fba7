package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// State is the agent's persisted identity. It survives restarts so the agent
// reuses its node registration instead of creating a new one each boot.
type State struct {
	ServerURL string `yaml:"server_url"`
	NodeID    string `yaml:"node_id"`
	APIKey    string `yaml:"api_key"`
}

// LoadState reads the state file. A missing file returns an empty state.
func LoadState(path string) (State, error) {
	var st State
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("op=agent.state.load: %w", err)
	}
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("op=agent.state.load: %w", err)
	}
	return st, nil
}

// Save writes the state file atomically with owner-only permissions, since
// it holds the api key.
func (st State) Save(path string) error {
	raw, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("op=agent.state.save: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("op=agent.state.save: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("op=agent.state.save: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("op=agent.state.save: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("op=agent.state.save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("op=agent.state.save: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("op=agent.state.save: %w", err)
	}
	return nil
}
