package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/coppicelabs/relay"
)

func newChatCmd(envFile *string) *cobra.Command {
	var threadID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat against the orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := wireApp(cmd, *envFile)
			if err != nil {
				return err
			}
			defer app.close()

			if threadID == "" {
				threadID = uuid.NewString()
			}
			fmt.Printf("thread %s (type a message, 'exit' to quit)\n", threadID)

			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "exit" || line == "quit" {
					return nil
				}

				stream, err := app.orch.Submit(cmd.Context(), threadID, line)
				if err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
					continue
				}
				renderStream(stream)
			}
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id to resume (default: new thread)")
	return cmd
}

// renderStream prints a turn's events until the terminal one.
func renderStream(stream *relay.TurnStream) {
	for ev := range stream.Events() {
		switch ev.Event {
		case relay.EventPartialToken:
			if text, ok := ev.Data["text"].(string); ok {
				fmt.Print(text)
			}
		case relay.EventToolInvoked:
			fmt.Printf("\n[tool %v/%v]\n", ev.Data["capability"], ev.Data["tool"])
		case relay.EventError:
			fmt.Printf("\n! %v\n", ev.Data["message"])
		case relay.EventTurnComplete:
			fmt.Println()
		}
	}
}
