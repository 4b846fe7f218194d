package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	anonmsg "github.com/nixxxo/anon-poc"
)

func newConnectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <connection-string>",
		Short: "Join a channel",
		Long: `Dials the rendezvous address from the connection string, through the Tor
SOCKS proxy unless the configuration selects direct TCP, and opens an
interactive chat. Type a line to send it; type "quit" to leave.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner()
			return runConnect(args[0])
		},
	}

	return cmd
}

func runConnect(connectionString string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Library logs would tear up the chat display.
	cfg.Silent = true

	fmt.Println(infoStyle.Render("Connecting..."))

	client, err := anonmsg.NewClient(connectionString, &anonmsg.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Println(successStyle.Render("Connected anonymously."))
	return runChat(client)
}

// runChat drives the conversation: received messages print as they
// arrive, typed lines are sent, "quit" or end of input leaves.
func runChat(client *anonmsg.Client) error {
	client.OnMessage(func(message string) {
		fmt.Printf("\n%s\n", peerStyle.Render("> "+message))
	})
	client.Start()

	fmt.Println(infoStyle.Render(`You can now send messages. Type "quit" to exit.`))

	for {
		line, err := promptLine("Message: ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") {
			return nil
		}
		if err := client.Send(context.Background(), line); err != nil {
			fmt.Println(failureStyle.Render("Failed to send message"))
			return nil
		}
	}
}
