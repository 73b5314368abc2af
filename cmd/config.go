package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/meridiandb/meridian/ctl"
	"github.com/meridiandb/meridian/server"
)

var Conf *ctl.ConfigCommand

func newConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Conf = ctl.NewConfigCommand(stdin, stdout, stderr)
	// The command carries the full server flag set so the printed config
	// reflects flags, environment, and config file the way the server
	// would see them.
	srv := server.NewCommand(stdin, stdout, stderr)
	Conf.Config = srv.Config
	confCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the current configuration.",
		Long: `config prints the resolved configuration to stdout
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return Conf.Run(context.Background())
		},
	}
	ctl.BuildServerFlags(confCmd, srv)

	return confCmd
}
