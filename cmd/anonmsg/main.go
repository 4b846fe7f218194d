package main

import (
	"context"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/nixxxo/anon-poc/config"
)

var configPath string

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anonmsg",
		Short: "Anonymous terminal messenger",
		Long: `Fully anonymous messaging through Tor.

One side hosts a channel and hands out a single-line connection string;
everyone else joins with it. Message content, size, and timing are hidden
from network observers by end-to-end encryption, fixed-size padding,
randomized delays, and dummy traffic.`,
		Example: `  # Host a channel and print its connection string
  anonmsg serve

  # Host with a QR code for the connection string
  anonmsg serve --qr

  # Join a channel
  anonmsg connect abcdefgh.onion:TOKEN

  # Check whether a peer is reachable before joining
  anonmsg probe abcdefgh.onion`,
		RunE: runInteractive,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newConnectCommand())
	cmd.AddCommand(newProbeCommand())

	return cmd
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(configPath)
}

// runInteractive handles bare invocation: ask which side of the
// conversation this terminal is, then run that mode.
func runInteractive(cmd *cobra.Command, args []string) error {
	printBanner()

	fmt.Println(headerStyle.Render("Choose mode:"))
	fmt.Println("  1. Host a channel (others connect to you)")
	fmt.Println("  2. Join a channel")

	for {
		choice, err := promptLine("Select [1/2]: ")
		if err != nil {
			return err
		}
		switch choice {
		case "1":
			return runServe(false)
		case "2":
			connectionString, err := promptLine("Enter connection string: ")
			if err != nil {
				return err
			}
			return runConnect(connectionString)
		}
	}
}

func main() {
	rootCmd := newRootCommand()
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
