package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/comigor/supportdesk/pkg/client"
	"github.com/spf13/cobra"
)

// describe turns client errors into the messages a user can act on.
func describe(err error) string {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, client.ErrUnreachable):
		return err.Error() + ". Make sure the API server is running."
	case errors.Is(err, client.ErrTimeout):
		return "Request timed out. The API took too long to respond."
	case errors.As(err, &apiErr):
		return fmt.Sprintf("API error (%d): %s", apiErr.Status, apiErr.Detail)
	default:
		return err.Error()
	}
}

func printReply(w io.Writer, reply, source string) {
	fmt.Fprintf(w, "%s %s\n", assistantStyle.Render("Assistant:"), reply)
	if source == "fallback" {
		fmt.Fprintln(w, dimStyle.Render("(demo response: no model loaded)"))
	}
}

func newChatCmd(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive support conversation",
		Long: `Start a session and chat line by line.

Type /save to store the transcript on the server and /quit (or Ctrl-D) to leave.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := newClient()
			out := cmd.OutOrStdout()

			sid, err := c.StartSession(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Session:"), dimStyle.Render(sid))

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, labelStyle.Render("You: "))
				if !scanner.Scan() {
					fmt.Fprintln(out)
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch line {
				case "":
					fmt.Fprintln(out, warnStyle.Render("Please enter a message"))
					continue
				case "/quit", "/exit":
					return nil
				case "/save":
					res, err := c.Save(ctx, sid)
					if err != nil {
						fmt.Fprintln(out, warnStyle.Render("Error saving chat: "+describe(err)))
						continue
					}
					fmt.Fprintf(out, "%s %s (%d turns)\n", labelStyle.Render("Saved:"), res.Path, res.Turns)
					continue
				}

				reply, err := c.SendMessage(ctx, sid, line)
				if err != nil {
					fmt.Fprintln(out, warnStyle.Render("Error sending message: "+describe(err)))
					continue
				}
				printReply(out, reply.Reply, reply.Source)
			}
		},
	}
}

func newAskCmd(newClient func() *client.Client) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := newClient()
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return errors.New("please enter a message")
			}

			sid, err := ensureSession(ctx, c, sessionID)
			if err != nil {
				return err
			}
			reply, err := c.SendMessage(ctx, sid, text)
			if err != nil {
				return err
			}
			printReply(cmd.OutOrStdout(), reply.Reply, reply.Source)
			if sessionID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("session "+sid))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue an existing session instead of starting one")
	return cmd
}

func newAudioCmd(newClient func() *client.Client) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "audio <file>",
		Short: "Upload a recording (wav, m4a, mp3) and print transcript and reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := newClient()
			out := cmd.OutOrStdout()

			switch strings.ToLower(filepath.Ext(args[0])) {
			case ".wav", ".m4a", ".mp3":
			default:
				return fmt.Errorf("unsupported audio type %q (want wav, m4a or mp3)", filepath.Ext(args[0]))
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			sid, err := ensureSession(ctx, c, sessionID)
			if err != nil {
				return err
			}
			res, err := c.SendAudio(ctx, sid, filepath.Base(args[0]), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Transcript:"), res.Transcript)
			printReply(out, res.Reply, res.Source)
			if res.WAV != "" {
				fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Audio:"), res.WAV)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue an existing session instead of starting one")
	return cmd
}

func newSaveCmd(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "save <session-id>",
		Short: "Write a session transcript on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().Save(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d turns)\n", labelStyle.Render("Saved:"), res.Path, res.Turns)
			return nil
		},
	}
}

func ensureSession(ctx context.Context, c *client.Client, sessionID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	return c.StartSession(ctx)
}
