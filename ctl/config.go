package ctl

import (
	"context"
	"fmt"
	"io"

	toml "github.com/pelletier/go-toml"

	"github.com/meridiandb/meridian/server"
)

// ConfigCommand represents a command for printing the resolved config.
type ConfigCommand struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Config *server.Config
}

// NewConfigCommand returns a new instance of ConfigCommand.
func NewConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *ConfigCommand {
	return &ConfigCommand{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
	}
}

// Run prints the config.
func (cmd *ConfigCommand) Run(_ context.Context) error {
	buf, err := toml.Marshal(*cmd.Config)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.Stdout, string(buf))
	return nil
}
