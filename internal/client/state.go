package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/GriffinCanCode/termrelay/internal/shared/paths"
	"github.com/goccy/go-yaml"
)

const stateFile = "termctl.yaml"

// State is what termctl remembers between runs. It never holds secrets.
type State struct {
	Gateway   string    `yaml:"gateway"`
	Instance  string    `yaml:"instance"`
	Username  string    `yaml:"username"`
	SessionID string    `yaml:"session_id"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// DefaultStatePath returns the state file under the user config directory.
func DefaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, paths.DirName, stateFile)
}

// LoadState reads the state file. A missing file yields an empty State.
func LoadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read state: %w", err)
	}

	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse state %s: %w", path, err)
	}
	return s, nil
}

// Save writes the state file with owner-only permissions.
func (s State) Save(path string) error {
	s.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), paths.DirMode); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, paths.FileMode); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
