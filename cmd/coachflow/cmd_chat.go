package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/coachflow/internal/engine"
	"github.com/aixgo-dev/coachflow/pkg/session"
)

var chatParams []string

var chatCmd = &cobra.Command{
	Use:   "chat <topic>",
	Short: "Hold a coaching session in the terminal",
	Long: `Starts a session on a topic, or picks up your open one, and reads your
replies line by line. Commands:

  /done     complete the session and print the summary
  /pause    pause the session and exit
  /cancel   cancel the session and exit
  /status   show turn usage
  /quit     exit, leaving the session open`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringArrayVarP(&chatParams, "param", "p", nil, "Prompt parameter as key=value (repeatable)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	params, err := parseParams(chatParams)
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

	res, err := a.engine.Initiate(ctx, engine.InitiateRequest{
		TopicID:    args[0],
		TenantID:   tenantID,
		UserID:     userID,
		Parameters: params,
	})
	if err != nil {
		return err
	}
	sess := res.Session

	if res.Resumed {
		fmt.Printf("Continuing session %s (%d/%d turns used)\n\n", sess.ID(), sess.TurnCount(), sess.MaxTurns())
		if sess.Status() == session.StatusPaused {
			if sess, err = a.engine.Resume(ctx, sess.ID(), tenantID, userID); err != nil {
				return err
			}
		}
		if last, ok := lastAssistant(sess); ok {
			printCoach(last)
		}
	} else {
		fmt.Printf("Started session %s\n\n", sess.ID())
		if res.Greeting != "" {
			printCoach(res.Greeting)
		}
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("you> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			done, err := chatCommand(ctx, a, sess, input)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
			}
			if done {
				return nil
			}
			continue
		}

		reply, err := a.engine.SendMessage(ctx, engine.SendRequest{
			SessionID: sess.ID(),
			TenantID:  tenantID,
			UserID:    userID,
			Message:   input,
		})
		if err != nil {
			var maxTurns *session.MaxTurnsReachedError
			if errors.As(err, &maxTurns) {
				fmt.Println("No turns left. Use /done to finish the session.")
				continue
			}
			fmt.Printf("Error: %v\n", err)
			if engine.IsRetryable(err) {
				fmt.Println("(temporary failure, try again)")
			}
			continue
		}
		sess = reply.Session
		printCoach(reply.Content)
		switch {
		case reply.FinalTurn:
			fmt.Println("That was the last turn. Use /done to finish the session.")
		case reply.CompletionSuggested:
			fmt.Println("The coach suggests wrapping up. Use /done when you are ready.")
		}
	}
}

// chatCommand runs a slash command and reports whether the REPL should exit.
func chatCommand(ctx context.Context, a *app, sess *session.Session, input string) (bool, error) {
	switch input {
	case "/quit", "/exit":
		fmt.Printf("Session %s left open.\n", sess.ID())
		return true, nil
	case "/status":
		fmt.Printf("Session %s: %s, %d/%d turns used\n", sess.ID(), sess.Status(), sess.TurnCount(), sess.MaxTurns())
		return false, nil
	case "/pause":
		if _, err := a.engine.Pause(ctx, sess.ID(), tenantID, userID); err != nil {
			return false, err
		}
		fmt.Println("Session paused.")
		return true, nil
	case "/cancel":
		if _, err := a.engine.Cancel(ctx, sess.ID(), tenantID, userID); err != nil {
			return false, err
		}
		fmt.Println("Session cancelled.")
		return true, nil
	case "/done":
		res, err := a.engine.Complete(ctx, sess.ID(), tenantID, userID)
		if err != nil {
			return false, err
		}
		if res.Fallback {
			fmt.Println("The summary could not be parsed; the raw reply was kept.")
		}
		return true, printJSON(res.Result)
	default:
		return false, fmt.Errorf("unknown command %s", input)
	}
}

func lastAssistant(s *session.Session) (string, bool) {
	msgs := s.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == session.RoleAssistant {
			return msgs[i].Content, true
		}
	}
	return "", false
}

func printCoach(content string) {
	fmt.Printf("coach> %s\n\n", content)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
