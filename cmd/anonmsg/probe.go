package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nixxxo/anon-poc/transport"
)

const (
	probeAttempts   = 3
	probeRetryDelay = 5 * time.Second
)

func newProbeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe <address>",
		Short: "Check whether a peer's rendezvous is reachable",
		Long: `Dials the rendezvous address a few times and reports how long each
attempt took. Useful right after starting a server: a fresh hidden
service can take a couple of minutes to become reachable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(args[0])
		},
	}

	return cmd
}

func runProbe(address string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Probe output is the point; the transport stays quiet.
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var dialer transport.Dialer
	if cfg.Listen.DirectTCP {
		tcp := transport.NewTCPDialer(logger)
		tcp.Port = cfg.Listen.Port
		dialer = tcp
	} else {
		if !strings.Contains(address, ":") && !strings.HasSuffix(address, ".onion") {
			address += ".onion"
		}
		socks := transport.NewSocksDialer(logger)
		socks.Host = cfg.Tor.SocksHost
		socks.Ports = cfg.Tor.SocksPorts
		socks.Port = cfg.Listen.Port
		dialer = socks
	}

	fmt.Println(headerStyle.Render("Testing connection to " + address))

	for attempt := 1; attempt <= probeAttempts; attempt++ {
		fmt.Println(dimStyle.Render(fmt.Sprintf("Attempt %d...", attempt)))

		start := time.Now()
		conn, err := dialer.Dial(address)
		if err == nil {
			conn.Close()
			fmt.Println(successStyle.Render(fmt.Sprintf("Reachable in %.1fs", time.Since(start).Seconds())))
			return nil
		}

		fmt.Println(failureStyle.Render(fmt.Sprintf("Attempt %d failed: %v", attempt, err)))
		if attempt < probeAttempts {
			fmt.Println(dimStyle.Render("Waiting 5 seconds before retry..."))
			time.Sleep(probeRetryDelay)
		}
	}

	fmt.Println(failureStyle.Render("Peer is not reachable from here."))
	fmt.Println(infoStyle.Render("The server may be down, or a fresh hidden service may still be propagating; give it 2-3 minutes."))
	return fmt.Errorf("%s is not reachable", address)
}
