// Dtp-client connects to a dtp server and exchanges encrypted messages
// with it.
//
// Usage:
//
//	dtp-client chat [flags]            # interactive chat screen
//	dtp-client send [flags] <message>  # send one message and exit
//	dtp-client config init             # write a default config file
//
// See 'dtp-client <command> --help' for available options.
package main

import (
	"fmt"
	"os"
	"time"

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
	Use:   "dtp-client",
	Short: "Encrypted message transport client",
	Long: `A client for the dtp encrypted message transport.

The client receives the server's public key, answers with a sealed session
key and then exchanges encrypted, length-prefixed messages with the server.

Settings are read from the config file and overridden by flags.`,
	Version:      version.Version,
	SilenceUsage: true,
}

// Global flags
var (
	configPath  string
	serverAddr  string
	suite       string
	compression string
	timeout     time.Duration
	logLevel    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $XDG_CONFIG_HOME/dtp/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "", "Server address host:port")
	rootCmd.PersistentFlags().StringVar(&suite, "suite", "", "Cipher suite (xchacha20poly1305, ascon128a)")
	rootCmd.PersistentFlags().StringVar(&compression, "compression", "", "Payload compression (s2, zstd); must match the server")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Dial and handshake timeout (default from config: 10s)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); silent when empty")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dtp-client %s\n", version.Full())
	},
}
