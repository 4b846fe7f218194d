package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/katzenpost/qrterminal"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	peerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 2)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("10")).
			Padding(0, 1)
)

// stdin is shared by every prompt so type-ahead buffered by one read is
// not lost to the next.
var stdin = bufio.NewReader(os.Stdin)

func printBanner() {
	fmt.Println(bannerStyle.Render(
		headerStyle.Render("Anonymous Terminal Messenger") + "\n" +
			dimStyle.Render("Fully anonymous messaging through Tor")))
}

// printConnectionString shows the string in a panel and again as a bare
// line, which is the easy one to copy out of a terminal.
func printConnectionString(connectionString string, showQR bool) {
	fmt.Println(panelStyle.Render(
		headerStyle.Render("Server started") + "\n\n" +
			"Share this connection string with your contact:\n" +
			successStyle.Render(connectionString)))

	fmt.Println()
	fmt.Println(headerStyle.Render("Connection string (copy this):"))
	fmt.Println(connectionString)

	if showQR {
		fmt.Println()
		qrterminal.GenerateWithConfig(connectionString, qrterminal.Config{
			Level:      qrterminal.L,
			Writer:     os.Stdout,
			HalfBlocks: true,
			QuietZone:  1,
		})
	}
}

func promptLine(prompt string) (string, error) {
	fmt.Print(headerStyle.Render(prompt))
	line, err := stdin.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && line == "" {
		return "", err
	}
	return line, nil
}
