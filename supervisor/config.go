// Package supervisor runs one grain: it builds the sandbox, forks the
// app into it, and mediates the capability RPC between the app and the
// outside world.
package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is produced by the CLI layer. Afterwards one field still
// changes: setupFilesystem clears MountProc when the package has no
// proc entry.
type Config struct {
	AppName string
	GrainID string

	// PkgPath is the read-only package tree that becomes the sandbox
	// root. VarPath holds the grain's mutable data; VarPath/sandbox is
	// the app-visible part.
	PkgPath string
	VarPath string

	// Environment entries (NAME=VALUE) for the app. No defaults.
	Environment []string

	// Command is the app argv.
	Command []string

	IsNew       bool
	MountProc   bool
	KeepStdio   bool
	Devmode     bool
	SeccompDump bool
}

// UserError is a configuration problem the operator can fix; it prints
// without a diagnostic dump.
type UserError struct {
	Msg string
}

func (e *UserError) Error() string { return e.Msg }

// Validate checks the parsed configuration and fills in default paths.
func (c *Config) Validate() error {
	if c.AppName == "" || strings.ContainsRune(c.AppName, '/') {
		return &UserError{"Invalid app name."}
	}
	if c.GrainID == "" || strings.ContainsRune(c.GrainID, '/') {
		return &UserError{"Invalid grain id."}
	}
	if len(c.Command) == 0 {
		return &UserError{"Missing command."}
	}
	if c.PkgPath == "" {
		c.PkgPath = "/var/sandstorm/apps/" + c.AppName
	}
	if c.VarPath == "" {
		c.VarPath = "/var/sandstorm/grains/" + c.GrainID
	}
	var err error
	if c.PkgPath, err = realPath(c.PkgPath); err != nil {
		return err
	}
	if c.VarPath, err = realPath(c.VarPath); err != nil {
		return err
	}
	return nil
}

// realPath resolves path to an absolute, symlink-free form. Unlike
// realpath(3) it tolerates a nonexistent target by resolving the
// nearest existing parent instead; the goal is just a canonical
// absolute path whether or not it exists yet.
func realPath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return filepath.Abs(resolved)
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("realpath %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	dir, file := filepath.Split(filepath.Clean(abs))
	if dir == "/" {
		// The root directory obviously exists.
		return abs, nil
	}
	parent, err := realPath(filepath.Clean(dir))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, file), nil
}
