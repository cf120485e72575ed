package bridge

import (
	"fmt"
	"os"

	"github.com/GriffinCanCode/termrelay/internal/shared/paths"
	"github.com/pelletier/go-toml/v2"
)

// sessionFile is the on-disk shape of session.toml.
type sessionFile struct {
	Session  string       `toml:"session"`
	Upstream upstreamFile `toml:"upstream"`
}

type upstreamFile struct {
	Instance string `toml:"instance"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	APIKey   string `toml:"api_key"`
}

// prepareRuntime materializes the private runtime context of a session:
// its home directory, workspace and credential file.
func prepareRuntime(base string, cfg SessionConfig) (paths.Session, error) {
	layout := paths.ForSession(base, cfg.SessionID)
	if err := paths.ValidateSessionID(cfg.SessionID); err != nil {
		return layout, err
	}

	if err := os.MkdirAll(base, paths.DirMode); err != nil {
		return layout, fmt.Errorf("create runtime dir: %w", err)
	}
	if err := os.MkdirAll(layout.Workspace(), paths.DirMode); err != nil {
		return layout, fmt.Errorf("create workspace: %w", err)
	}
	// MkdirAll leaves existing directories alone; tighten them anyway
	if err := os.Chmod(layout.Root(), paths.DirMode); err != nil {
		return layout, fmt.Errorf("chmod session dir: %w", err)
	}

	data, err := toml.Marshal(sessionFile{
		Session: cfg.SessionID,
		Upstream: upstreamFile{
			Instance: cfg.Target,
			Username: cfg.Username,
			Password: cfg.Password,
			APIKey:   cfg.APIKey,
		},
	})
	if err != nil {
		return layout, fmt.Errorf("encode session file: %w", err)
	}

	tmp := layout.Config() + ".tmp"
	if err := os.WriteFile(tmp, data, paths.FileMode); err != nil {
		return layout, fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, layout.Config()); err != nil {
		_ = os.Remove(tmp)
		return layout, fmt.Errorf("install session file: %w", err)
	}
	return layout, nil
}

// LoadSessionFile reads session.toml back. ptyd uses it to recover its
// configuration from a file instead of the environment.
func LoadSessionFile(path string) (SessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SessionConfig{}, err
	}
	var f sessionFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return SessionConfig{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return SessionConfig{
		SessionID: f.Session,
		Target:    f.Upstream.Instance,
		Username:  f.Upstream.Username,
		Password:  f.Upstream.Password,
		APIKey:    f.Upstream.APIKey,
	}, nil
}
