package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coppicelabs/relay"
	"github.com/coppicelabs/relay/checkpoint"
	"github.com/coppicelabs/relay/config"
	"github.com/coppicelabs/relay/llm"
	"github.com/coppicelabs/relay/logx"
	"github.com/coppicelabs/relay/toolproc"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "relay: multi-agent orchestration for conversational assistants",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "path to .env file")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(&envFile),
		newChatCmd(&envFile),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("relay %s\n", version)
		},
	}
}

// app bundles everything a command needs after wiring.
type app struct {
	conf  *config.Config
	orch  *relay.Orchestrator
	mgr   *toolproc.Manager
	store relay.Store
}

// wireApp loads config, spawns the worker pool, and builds the
// orchestrator. Specialists derive one-per-capability from the worker
// descriptors.
func wireApp(cmd *cobra.Command, envFile string) (*app, error) {
	conf, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	logx.Init(logx.Config{Debug: conf.Debug, PrettyFormat: conf.PrettyFormat})

	provider := llm.NewOpenAI(conf.OpenAIAPIKey, conf.OpenAIBaseURL, llm.WithModel(conf.Model))

	descs, err := toolproc.LoadDescriptors(conf.DescriptorDir)
	if err != nil {
		return nil, fmt.Errorf("load worker descriptors: %w", err)
	}
	mgr := toolproc.NewManager(descs)
	if err := mgr.Start(cmd.Context()); err != nil {
		return nil, fmt.Errorf("start worker pool: %w", err)
	}

	store, err := checkpoint.NewSQLiteStore(conf.DBPath)
	if err != nil {
		mgr.Shutdown()
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	specs := make([]*relay.Specialist, 0, len(descs))
	for _, d := range descs {
		specs = append(specs, &relay.Specialist{
			Capability:  d.Capability,
			Description: d.Description,
			Prompt: fmt.Sprintf(
				"You are the %s specialist for a shopping assistant. %s Use your tools to answer precisely.",
				d.Capability, d.Description),
		})
	}

	orch := relay.NewOrchestrator(provider, mgr, store,
		relay.WithSpecialists(specs...),
		relay.WithMaxAgentCalls(conf.MaxAgentCalls),
		relay.WithStickyMargin(conf.StickyMargin),
		relay.WithSummaryBudget(conf.SummaryBudget),
		relay.WithHeartbeatInterval(conf.HeartbeatInterval),
		relay.WithRetryPolicy(relay.RetryPolicy{
			MaxAttempts: conf.RetryMaxAttempts,
			BaseDelay:   conf.RetryBaseDelay,
			MaxDelay:    conf.RetryMaxDelay,
			Jitter:      relay.DefaultRetryPolicy.Jitter,
		}),
	)

	return &app{conf: conf, orch: orch, mgr: mgr, store: store}, nil
}

func (a *app) close() {
	a.mgr.Shutdown()
	if err := a.store.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "store close:", err)
	}
}
