// Package paths defines the on-disk layout of per-session runtime contexts.
//
// # Directory Structure
//
//	<runtime dir>/
//	  └── <session id>/        (0700, the shell's HOME)
//	      ├── session.toml     (0600, upstream credentials)
//	      └── workspace/       (the shell's working directory)
//
// # Usage
//
//	s := paths.ForSession(runtimeDir, "sess_01HZX...")
//	home := s.Root()
//	cwd := s.Workspace()
package paths
