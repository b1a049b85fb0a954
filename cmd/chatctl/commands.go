package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"estatepro/internal/domain/chat"
)

var (
	propertyID    string
	counterpartID string
	follow        bool
	outputJSON    bool
)

func init() {
	rootCmd.AddCommand(startCmd, sendCmd, inboxCmd, tailCmd)

	startCmd.Flags().StringVar(&propertyID, "property", "", "listing the conversation is about (required)")
	startCmd.Flags().StringVar(&counterpartID, "counterpart", "", "user to talk to (required)")
	_ = startCmd.MarkFlagRequired("property")
	_ = startCmd.MarkFlagRequired("counterpart")

	for _, cmd := range []*cobra.Command{inboxCmd, tailCmd} {
		cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing updates until interrupted")
		cmd.Flags().BoolVar(&outputJSON, "json", false, "print snapshots as JSON lines")
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start or resume a conversation about a listing",
	Long: `Start a conversation with --counterpart about --property, or print the
id of the existing one.

Examples:
  chatctl start --user buyer-1 --property prop-1 --counterpart agent-9`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Show the conversation list",
	Long: `Show the acting user's conversations, most recent activity first.

Examples:
  chatctl inbox --user agent-9 --role agent
  chatctl inbox --user agent-9 --follow --json`,
	Args: cobra.NoArgs,
	RunE: runInbox,
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Print a conversation thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runTail,
}

func runStart(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := s.engine.StartOrResumeConversation(ctx, propertyID, counterpartID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	msg, err := s.engine.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s sent at %s\n", msg.ID, msg.CreatedAt.Format(time.RFC3339))
	return nil
}

func runInbox(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	view, err := s.engine.OpenConversationList(ctx, userID)
	if err != nil {
		return err
	}
	defer view.Close()
	if err := awaitLive(ctx, view.AwaitLive); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !follow {
		return printSummaries(out, view.Snapshot())
	}
	updates, stop := view.Summaries().Subscribe()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case list, ok := <-updates:
			if !ok {
				return nil
			}
			if err := printSummaries(out, list); err != nil {
				return err
			}
		}
	}
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	view, err := s.engine.OpenThread(ctx, args[0])
	if err != nil {
		return err
	}
	defer view.Close()
	if err := awaitLive(ctx, view.AwaitLive); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !follow {
		return printMessages(out, view.Snapshot(), nil)
	}
	seen := make(map[string]struct{})
	updates, stop := view.Messages().Subscribe()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msgs, ok := <-updates:
			if !ok {
				return nil
			}
			if err := printMessages(out, msgs, seen); err != nil {
				return err
			}
		}
	}
}

func awaitLive(ctx context.Context, await func(context.Context) error) error {
	waitCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	if err := await(waitCtx); err != nil {
		return fmt.Errorf("view did not load: %w", err)
	}
	return nil
}

func printSummaries(w io.Writer, list []chat.ConversationSummary) error {
	if outputJSON {
		return json.NewEncoder(w).Encode(list)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tWITH\tLISTING\tLAST ACTIVITY\tLAST MESSAGE")
	for _, s := range list {
		with := s.OtherParticipant(userID)
		if s.Counterpart != nil {
			with = s.Counterpart.DisplayName
		}
		listing := s.PropertyID
		if s.Listing != nil {
			listing = s.Listing.Title
		}
		last := ""
		if s.LastMessage != nil {
			last = s.LastMessage.Body
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, with, listing, s.LastActivity().Local().Format(time.DateTime), last)
	}
	return tw.Flush()
}

// printMessages writes messages not yet in seen; a nil seen prints all.
func printMessages(w io.Writer, msgs []chat.Message, seen map[string]struct{}) error {
	enc := json.NewEncoder(w)
	for _, m := range msgs {
		if seen != nil {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		if outputJSON {
			if err := enc.Encode(m); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "[%s] %s (%s): %s\n", m.CreatedAt.Local().Format(time.DateTime), m.SenderID, m.SenderRole, m.Body); err != nil {
			return err
		}
	}
	return nil
}
