package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	anonmsg "github.com/nixxxo/anon-poc"
)

func newServeCommand() *cobra.Command {
	var showQR bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host a channel and print its connection string",
		Long: `Generates fresh keys, publishes a rendezvous address (an ephemeral Tor
hidden service unless the configuration selects direct TCP), and relays
encrypted envelopes between everyone who joins. The connection string
printed at startup is the only thing a peer needs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner()
			return runServe(showQR)
		},
	}

	cmd.Flags().BoolVar(&showQR, "qr", false, "also render the connection string as a QR code")

	return cmd
}

func runServe(showQR bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.Listen.DirectTCP {
		fmt.Println(infoStyle.Render("Publishing hidden service, this can take a minute..."))
	}

	server, err := anonmsg.NewServer(&anonmsg.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer server.Close()

	printConnectionString(server.ConnectionString(), showQR)
	fmt.Println(dimStyle.Render("Press Ctrl-C to stop."))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	fmt.Println()
	fmt.Println(infoStyle.Render("Shutting down..."))
	return server.Close()
}
