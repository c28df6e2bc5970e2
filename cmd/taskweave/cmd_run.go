package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"taskweave/internal/deepsearch"
	"taskweave/internal/gateway"
)

var (
	runSessionID string
	runUserID    string
)

var runCmd = &cobra.Command{
	Use:   "run [request]",
	Short: "Answer a request with the code agent",
	Long: `Plans a multi-step program for the request, validates and executes
each generated step in the sandbox, repairs failures, and iterates until the
evaluator accepts the answer.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()
		stop := rt.drainEvents(ctx)
		defer stop()

		sid := sessionID()
		history := []gateway.Message{{Role: "user", Content: strings.Join(args, " ")}}
		answer, err := rt.orch.RunAgent(ctx, sid, history, false, 0, runUserID)
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil
	},
}

var researchDepth int

var researchCmd = &cobra.Command{
	Use:   "research [request]",
	Short: "Answer a request with the deep-search planner",
	Long: `Designs a DAG of research agents scaled to --depth, walks it with
external search and knowledge-graph memory, and assembles an HTML report.
Interactive sessions pause to ask clarifying questions.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()
		stop := rt.drainEvents(ctx)
		defer stop()

		sid := sessionID()
		history := []gateway.Message{{Role: "user", Content: strings.Join(args, " ")}}
		stdin := bufio.NewReader(os.Stdin)

		for {
			answer, err := rt.orch.RunAgent(ctx, sid, history, true, researchDepth, runUserID)
			if err != nil {
				return err
			}

			s, found, err := deepsearch.LoadPlannerSession(ctx, rt.store, sid)
			if err != nil {
				return err
			}
			if !found || s.State != deepsearch.StateWaiting {
				fmt.Println(answer)
				return nil
			}

			// The planner suspended on a question; answer it and resume.
			fmt.Printf("\n%s\n> ", answer)
			line, err := stdin.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read answer: %w", err)
			}
			history = append(history,
				gateway.Message{Role: "assistant", Content: answer},
				gateway.Message{Role: "user", Content: strings.TrimSpace(line)})
		}
	},
}

var followupCmd = &cobra.Command{
	Use:   "followup [session-id] [message]",
	Short: "Deliver an out-of-band reply to a waiting session",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()
		return rt.orch.FollowUpResponse(cmd.Context(), args[0], strings.Join(args[1:], " "))
	},
}

func sessionID() string {
	if runSessionID != "" {
		return runSessionID
	}
	return uuid.NewString()
}

func init() {
	runCmd.Flags().StringVar(&runSessionID, "session", "", "session id (default: random)")
	runCmd.Flags().StringVar(&runUserID, "user", "", "user id")
	researchCmd.Flags().StringVar(&runSessionID, "session", "", "session id (default: random)")
	researchCmd.Flags().StringVar(&runUserID, "user", "", "user id")
	researchCmd.Flags().IntVar(&researchDepth, "depth", 2, "research depth (1-5)")
}
