package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/coachflow/pkg/session"
)

var sessionJSON bool

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage coaching sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session and its transcript",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		s, err := a.engine.GetSession(ctx, args[0], tenantID, userID)
		if err != nil {
			return err
		}
		if sessionJSON {
			return printJSON(s)
		}
		printSession(s)
		return nil
	}),
}

var sessionActiveCmd = &cobra.Command{
	Use:   "active <topic>",
	Short: "Show your open session for a topic",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		s, err := a.engine.ActiveSession(ctx, tenantID, args[0], userID)
		if err != nil {
			return err
		}
		printSession(s)
		return nil
	}),
}

var sessionPauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause an active session",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		return reportStatus(a.engine.Pause(ctx, args[0], tenantID, userID))
	}),
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		return reportStatus(a.engine.Resume(ctx, args[0], tenantID, userID))
	}),
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel an open session",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		return reportStatus(a.engine.Cancel(ctx, args[0], tenantID, userID))
	}),
}

var sessionCompleteCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Complete a session and print the extracted summary",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app, args []string) error {
		res, err := a.engine.Complete(ctx, args[0], tenantID, userID)
		if err != nil {
			return err
		}
		return printJSON(res.Result)
	}),
}

func init() {
	sessionShowCmd.Flags().BoolVar(&sessionJSON, "json", false, "Print the full session record as JSON")
	sessionCmd.AddCommand(sessionShowCmd, sessionActiveCmd, sessionPauseCmd, sessionResumeCmd, sessionCancelCmd, sessionCompleteCmd)
	rootCmd.AddCommand(sessionCmd)
}

// withApp loads config and wires an app around a command body.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			a.Close(shutdownCtx)
		}()
		return fn(ctx, a, args)
	}
}

func reportStatus(s *session.Session, err error) error {
	if err != nil {
		return err
	}
	fmt.Printf("Session %s is now %s\n", s.ID(), s.Status())
	return nil
}

func printSession(s *session.Session) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", s.ID())
	fmt.Fprintf(w, "Topic:\t%s\n", s.TopicID())
	fmt.Fprintf(w, "Status:\t%s\n", s.Status())
	if r := s.EndReason(); r != session.EndReasonNone {
		fmt.Fprintf(w, "End reason:\t%s\n", r)
	}
	fmt.Fprintf(w, "Turns:\t%d/%d\n", s.TurnCount(), s.MaxTurns())
	fmt.Fprintf(w, "Last activity:\t%s\n", s.LastActivityAt().Format(time.RFC3339))
	if tokens, usd := sessionUsage(s); tokens > 0 {
		fmt.Fprintf(w, "Usage:\t%.0f tokens, $%.4f\n", tokens, usd)
	}
	if exp, ok := s.ExpiresAt(); ok {
		fmt.Fprintf(w, "Expires:\t%s\n", exp.Format(time.RFC3339))
	}
	_ = w.Flush()

	fmt.Println()
	for _, m := range s.Messages() {
		who := "you"
		if m.Role == session.RoleAssistant {
			who = "coach"
		}
		fmt.Printf("%s> %s\n\n", who, m.Content)
	}
	if r := s.ExtractedResult(); r != nil {
		fmt.Println("Summary:")
		_ = printJSON(r)
	}
}

// sessionUsage sums the token and cost metadata recorded on assistant turns.
func sessionUsage(s *session.Session) (tokens, usd float64) {
	for _, m := range s.Messages() {
		tokens += number(m.Metadata["total_tokens"])
		usd += number(m.Metadata["cost_usd"])
	}
	return tokens, usd
}

// number reads a metadata value that may have gone through a JSON round trip.
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
