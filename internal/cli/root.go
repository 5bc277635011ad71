// Package cli implements supportctl, a terminal client for the supportdesk API.
package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/comigor/supportdesk/pkg/client"
	"github.com/spf13/cobra"
)

var (
	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))
	assistantStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

// NewRootCmd builds the supportctl command tree.
func NewRootCmd() *cobra.Command {
	var apiBase string

	root := &cobra.Command{
		Use:   "supportctl",
		Short: "Chat with the AI customer support demo from a terminal",
		Long: `supportctl talks to a running supportdesk API.

Quick Start:
  supportctl chat                       # interactive conversation
  supportctl ask "I need a refund"      # one question, one answer
  supportctl audio question.wav         # send a recording
  supportctl save <session-id>          # write a transcript on the server`,
		SilenceUsage: true,
	}

	def := os.Getenv("SUPPORTDESK_API_BASE")
	if def == "" {
		def = client.DefaultBaseURL
	}
	root.PersistentFlags().StringVar(&apiBase, "api-base", def, "Base URL of the supportdesk API")

	newClient := func() *client.Client { return client.New(apiBase) }
	root.AddCommand(
		newChatCmd(newClient),
		newAskCmd(newClient),
		newAudioCmd(newClient),
		newSaveCmd(newClient),
	)
	return root
}

// Execute runs supportctl and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, warnStyle.Render("Error: "+describe(err)))
		os.Exit(1)
	}
}
