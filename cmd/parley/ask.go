package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/tools"
)

// askConversation is the conversation id of one-shot turns.
const askConversation = "cli"

func newAskCmd(flags *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Run one turn and stream the reply to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), stdout, stderr, flags, model, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "override the configured model")
	return cmd
}

// runAsk runs a single turn against an in-memory history. Tool calls
// that need confirmation are reported and left unexecuted.
func runAsk(ctx context.Context, stdout, stderr io.Writer, flags *globalFlags, model, prompt string) error {
	cfg, _, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger, err := newLogger(stderr, cfg)
	if err != nil {
		return err
	}

	providers, err := buildProviders(ctx, cfg, logger)
	if err != nil {
		return err
	}
	mcpd, discoverer, err := buildDiscoverer(cfg, logger)
	if err != nil {
		return err
	}
	defer closeMCP(mcpd, logger)

	ag := agent.New(agent.Options{
		Store:            memory.NewMemStore(),
		Providers:        providers,
		Static:           tools.NewSet(tools.Builtins(nil, cfg.Tools.Calculator)...),
		Discoverer:       discoverer,
		Logger:           logger,
		Model:            cfg.Model,
		SystemPrompt:     cfg.Agent.SystemPrompt,
		MaxSteps:         cfg.Agent.MaxSteps,
		ToolTimeout:      seconds(cfg.Tools.TimeoutSec),
		DiscoveryTimeout: seconds(cfg.Agent.DiscoveryTimeoutSec),
	})

	stream, err := ag.Turn(ctx, agent.TurnRequest{
		ConversationID: askConversation,
		Model:          model,
		Messages: chat.History{{
			ID:        chat.NewID(),
			Role:      chat.RoleUser,
			Parts:     []chat.Part{chat.Text(prompt)},
			CreatedAt: time.Now(),
		}},
	})
	if err != nil {
		return err
	}
	return printStream(stdout, stream)
}

// printStream writes the text of a turn and a note for each tool event.
// It drains the whole stream before returning.
func printStream(w io.Writer, stream <-chan chat.StreamEvent) error {
	var (
		finish   chat.StreamEvent
		writeErr error
	)
	printf := func(format string, args ...any) {
		if writeErr == nil {
			_, writeErr = fmt.Fprintf(w, format, args...)
		}
	}

	for ev := range stream {
		switch ev.Kind {
		case chat.EventTextDelta:
			printf("%s", ev.Delta)
		case chat.EventToolCall:
			if ev.Call.State == chat.StatePendingConfirmation {
				printf("\n[%s needs confirmation; not run]\n", ev.Call.ToolName)
			}
		case chat.EventToolResult:
			if ev.Result.Failed() {
				printf("\n[%s failed: %s]\n", ev.Result.ToolName, ev.Result.Error)
			} else {
				printf("\n[%s] %s\n", ev.Result.ToolName, ev.Result.Output)
			}
		case chat.EventFinish:
			finish = ev
		}
	}
	printf("\n")
	if writeErr != nil {
		return writeErr
	}

	switch finish.FinishReason {
	case chat.FinishError:
		return errors.New(finish.Error)
	case chat.FinishCancelled:
		return context.Canceled
	}
	return nil
}
