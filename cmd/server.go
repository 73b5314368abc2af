package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/meridiandb/meridian/ctl"
	"github.com/meridiandb/meridian/errors"
	"github.com/meridiandb/meridian/gcnotify"
	"github.com/meridiandb/meridian/server"
)

// Server is global so that tests can control and verify it.
var Server *server.Command

func newServeCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Server = server.NewCommand(stdin, stdout, stderr)
	Server.GCNotifier = gcnotify.NewActiveGCNotifier()
	serveCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the Meridian coordinator.",
		Long: `meridian server runs the coordinator.

It will load the existing catalog from the configured
directory, and start listening for client connections
on the configured port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Execute the server.
			if err := Server.Run(); err != nil {
				return errors.Wrap(err, "running server")
			}

			// First signal causes server to shut down gracefully.
			c := make(chan os.Signal, 2)
			signal.Notify(c, os.Interrupt)
			select {
			case sig := <-c:
				fmt.Fprintf(Server.Stderr, "Received %s; gracefully shutting down...\n", sig.String())

				// Second signal causes a hard shutdown.
				go func() { <-c; os.Exit(1) }()

				if err := Server.Close(); err != nil {
					return errors.Wrap(err, "closing server")
				}
			case <-Server.Done:
				fmt.Fprintf(Server.Stderr, "Server closed externally\n")
			}
			return nil
		},
	}

	// Attach flags to the command.
	ctl.BuildServerFlags(serveCmd, Server)
	return serveCmd
}
