package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"taskweave/internal/logging"
)

var retrieveSessionID string

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Answer a query through the RL-selected retrieval strategy",
	Long: `Feature-extracts the query, lets the meta-selector pick a retrieval
strategy, and synthesizes an answer from the retrieved context. With human
rating enabled, the session id printed afterwards accepts a rating.`,
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

		sid := retrieveSessionID
		if sid == "" {
			sid = sessionID()
		}
		answer, err := rt.orch.Retrieve(ctx, strings.Join(args, " "), sid)
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil
	},
}

var rateCmd = &cobra.Command{
	Use:   "rate [session-id] [rating]",
	Short: "Rate a retrieval answer from 1 (poor) to 5 (excellent)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rating, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("rating must be an integer: %w", err)
		}
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()
		if err := rt.orch.SubmitEvaluation(cmd.Context(), args[0], rating); err != nil {
			return err
		}
		fmt.Println("rating recorded")
		return nil
	},
}

var ingestContextWindow bool

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Ingest documents into the retrieval corpus",
	Long: `Splits each file into sentence chunks, embeds them, and stores them
in the corpus database. --context-window groups adjacent sentences so each
chunk carries its surroundings.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		total := 0
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			n, err := rt.corpus.Ingest(ctx, filepath.Base(path), string(data), ingestContextWindow)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", path, err)
			}
			fmt.Printf("%s: %d chunks\n", path, n)
			total += n
		}
		logging.RAG("CLI ingest stored %d chunks from %d files", total, len(args))
		return nil
	},
}

var browseCmd = &cobra.Command{
	Use:   "browse [task]",
	Short: "Drive a visible browser through a task",
	Long: `Launches Chrome and lets the vision model work through the task one
screenshot at a time. The agent may pause to ask questions, answered inline
on stdin.`,
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

		agent, closeBrowser, err := rt.newBrowserAgent()
		if err != nil {
			return err
		}
		defer closeBrowser()

		outcome, err := agent.Run(ctx, strings.Join(args, " "), sessionID())
		if err != nil {
			return err
		}
		fmt.Println(outcome)
		return nil
	},
}

func init() {
	retrieveCmd.Flags().StringVar(&retrieveSessionID, "session", "", "session id (default: random)")
	ingestCmd.Flags().BoolVar(&ingestContextWindow, "context-window", false, "group adjacent sentences per chunk")
}
