// Package coretools provides the reference filesystem and shell tools.
//
// Every path argument is resolved inside the workspace root; symlinks that
// point outside it are rejected. The exec tool runs a single command without
// a shell and is always bounded by a hard timeout.
package coretools

import (
	"errors"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/harun/turnloop/pkg/tools"
)

const (
	DefaultExecTimeout   = 60 * time.Second
	DefaultMaxReadBytes  = 200000
	DefaultMaxEntries    = 500
	DefaultMaxMatches    = 100
	maxCommandOutputSize = 64 * 1024
)

// Options configures the core tools.
type Options struct {
	// WorkspaceRoot is used when tools.Context carries no workspace root.
	WorkspaceRoot string
	// ExecTimeout caps every exec call, including ones that ask for more.
	ExecTimeout time.Duration
}

func (o Options) execTimeout() time.Duration {
	if o.ExecTimeout <= 0 {
		return DefaultExecTimeout
	}
	return o.ExecTimeout
}

// Definitions returns the core tool definitions.
func Definitions(opts Options) []tools.Definition {
	return []tools.Definition{
		readFileTool(opts),
		writeFileTool(opts),
		listDirectoryTool(opts),
		searchFilesTool(opts),
		execTool(opts),
	}
}

// Register adds the core tools to reg.
func Register(reg *tools.Registry, opts Options) error {
	if reg == nil {
		return errors.New("tool registry is required")
	}
	for _, def := range Definitions(opts) {
		if err := reg.RegisterDefinition(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

// decode copies validated tool input into a typed request.
func decode(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
