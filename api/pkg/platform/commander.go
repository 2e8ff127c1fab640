package platform

import (
	"context"
	"os/exec"
)

// Commander wraps exec so vendor probes can be faked in tests.
type Commander interface {
	LookPath(file string) (string, error)
	CommandContext(ctx context.Context, name string, arg ...string) *exec.Cmd
}

type RealCommander struct{}

func (c *RealCommander) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (c *RealCommander) CommandContext(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, arg...)
}
