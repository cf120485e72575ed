package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the default runtime directory name under the system temp dir.
const DirName = "termrelay"

// File and directory names inside a session root.
const (
	WorkspaceDir = "workspace"
	ConfigFile   = "session.toml"
)

// Permissions for runtime state. Only the owning user may read it.
const (
	DirMode  os.FileMode = 0o700
	FileMode os.FileMode = 0o600
)

// DefaultRuntimeDir returns the base directory for session runtime contexts.
func DefaultRuntimeDir() string {
	return filepath.Join(os.TempDir(), DirName)
}

// Session returns paths for one session's runtime context.
type Session struct {
	Base string
	ID   string
}

// ForSession returns paths for a session under base.
func ForSession(base, sessionID string) Session {
	return Session{Base: base, ID: sessionID}
}

// Root returns the session's private directory.
func (s Session) Root() string {
	return filepath.Join(s.Base, s.ID)
}

// Workspace returns the shell's working directory.
func (s Session) Workspace() string {
	return filepath.Join(s.Base, s.ID, WorkspaceDir)
}

// Config returns the private config file path.
func (s Session) Config() string {
	return filepath.Join(s.Base, s.ID, ConfigFile)
}

// ValidateSessionID checks if a session ID is safe for path construction
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if filepath.IsAbs(sessionID) {
		return fmt.Errorf("session ID cannot be an absolute path")
	}
	if filepath.Clean(sessionID) != sessionID || filepath.Base(sessionID) != sessionID || sessionID == ".." {
		return fmt.Errorf("session ID contains invalid path components")
	}
	return nil
}
