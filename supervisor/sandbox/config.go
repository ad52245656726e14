// Package sandbox is the init stage of the sandboxed child: the process
// that finishes sandbox construction after the supervisor has forked it
// into the new namespaces, and then becomes the app via exec.
package sandbox

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ConfigEnv carries the encoded InitConfig in the envp of the re-exec'd
// init stage. The app never sees it: its environment is built solely
// from the configured entries.
const ConfigEnv = "SANDSTORM_SUPERVISOR_INIT"

// InitArgv0 and InitArg identify the init stage; the child is spawned
// with exactly this argv.
const (
	InitArgv0 = "supervisor-init"
	InitArg   = "init"
)

// InitConfig is everything the init stage needs to finish sandbox
// construction and exec the app.
type InitConfig struct {
	Command     []string `cbor:"command"`
	Environment []string `cbor:"environment"`
	MountProc   bool     `cbor:"mountProc,omitempty"`
	Devmode     bool     `cbor:"devmode,omitempty"`
	SeccompDump bool     `cbor:"seccompDump,omitempty"`
	IPTables    bool     `cbor:"ipTables,omitempty"`
}

// Encode renders the config as the NAME=VALUE entry for the init envp.
func (c *InitConfig) Encode() (string, error) {
	raw, err := cbor.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode init config: %w", err)
	}
	return ConfigEnv + "=" + base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeInitConfig parses the value of ConfigEnv.
func DecodeInitConfig(value string) (*InitConfig, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decode init config: %w", err)
	}
	var c InitConfig
	if err := cbor.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode init config: %w", err)
	}
	return &c, nil
}
