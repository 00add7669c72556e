// Dtp-server accepts encrypted dtp connections and relays the messages it
// receives.
//
// Every client performs a key exchange on connect; after that each message
// travels as a length-prefixed, authenticated frame. The server can echo
// messages back to their sender, broadcast them to every client, or only
// log them.
//
// Usage:
//
//	dtp-server serve [flags]
//
// See 'dtp-server serve --help' for available options.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/dtp/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dtp-server",
	Short: "Encrypted message transport server",
	Long: `A TCP server for the dtp encrypted message transport.

Clients connect, receive the server's public key and answer with a sealed
session key. Messages are then exchanged as encrypted, length-prefixed frames.

For an interactive client, use the separate 'dtp-client' utility.`,
	Version: version.Version,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dtp-server %s\n", version.Full())
	},
}
